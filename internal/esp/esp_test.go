package esp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/model"
)

func testMaterial(spi uint32) model.EspCryptMaterial {
	return model.EspCryptMaterial{
		Spi:        spi,
		SkEi:       []byte("0123456789abcdef0123456789abcdef"),
		SkAi:       []byte("authentication-key-material-here"),
		CipherName: "aes-cbc",
		HmacName:   "hmac-sha1-96",
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec, err := NewCodec(testMaterial(111), testMaterial(222))
	require.NoError(t, err)

	payload := []byte("inner ipv4 packet bytes go here")
	packet, err := codec.Encrypt(payload, 4)
	require.NoError(t, err)

	// The peer's inbound SPI equals our outbound SPI; build a codec whose
	// inbound key matches what we just encrypted under.
	peer, err := NewCodec(testMaterial(222), testMaterial(111))
	require.NoError(t, err)

	decoded, nextHeader, err := peer.Decrypt(packet)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
	assert.Equal(t, byte(4), nextHeader)
}

func TestDecryptRejectsTamperedMac(t *testing.T) {
	codec, err := NewCodec(testMaterial(111), testMaterial(222))
	require.NoError(t, err)
	peer, err := NewCodec(testMaterial(222), testMaterial(111))
	require.NoError(t, err)

	packet, err := codec.Encrypt([]byte("hello"), 4)
	require.NoError(t, err)
	packet[len(packet)-1] ^= 0xFF

	_, _, err = peer.Decrypt(packet)
	assert.Error(t, err)
}

func TestRekeyKeepsOldInboundSpiDuringOverlap(t *testing.T) {
	alice, err := NewCodec(testMaterial(111), testMaterial(222))
	require.NoError(t, err)
	bob, err := NewCodec(testMaterial(222), testMaterial(111))
	require.NoError(t, err)

	oldPacket, err := alice.Encrypt([]byte("before rekey"), 4)
	require.NoError(t, err)

	require.NoError(t, bob.Rekey(testMaterial(333), testMaterial(444)))
	require.NoError(t, alice.Rekey(testMaterial(444), testMaterial(333)))

	decoded, _, err := bob.Decrypt(oldPacket)
	require.NoError(t, err, "old SPI should still decode during the overlap window")
	assert.Equal(t, []byte("before rekey"), decoded)

	newPacket, err := alice.Encrypt([]byte("after rekey"), 4)
	require.NoError(t, err)
	decoded, _, err = bob.Decrypt(newPacket)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rekey"), decoded)

	bob.DropOldInbound()
	_, _, err = bob.Decrypt(oldPacket)
	assert.Error(t, err, "old SPI should be rejected once the overlap window ends")
}
