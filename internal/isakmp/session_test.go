package isakmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyExchangeDerivesMatchingSecrets(t *testing.T) {
	initiator, err := NewSession(Identity{None: true}, SessionInitiator)
	require.NoError(t, err)
	responder, err := NewSession(Identity{None: true}, SessionResponder)
	require.NoError(t, err)

	iPub, iNonce, err := initiator.GenerateKeyExchange()
	require.NoError(t, err)
	rPub, rNonce, err := responder.GenerateKeyExchange()
	require.NoError(t, err)

	require.NoError(t, initiator.ComputeSharedSecret(rPub, rNonce))
	require.NoError(t, responder.ComputeSharedSecret(iPub, iNonce))

	assert.Equal(t, initiator.skeyID, responder.skeyID)
	assert.Equal(t, initiator.skeyIDd, responder.skeyIDd)
	assert.Equal(t, initiator.skeyIDa, responder.skeyIDa)
	assert.Equal(t, initiator.skeyIDe, responder.skeyIDe)
}

func TestDeriveEspKeyingProducesDistinctDirections(t *testing.T) {
	s, err := NewSession(Identity{None: true}, SessionInitiator)
	require.NoError(t, err)
	_, _, err = s.GenerateKeyExchange()
	require.NoError(t, err)
	s.skeyIDd = []byte("deterministic-skeyid-d-for-test")

	s.DeriveEspKeying(1111, 2222, "aes-cbc", "hmac-sha1-96")

	assert.NotEqual(t, s.EspIn().SkEi, s.EspOut().SkEi)
	assert.Equal(t, uint32(1111), s.EspIn().Spi)
	assert.Equal(t, uint32(2222), s.EspOut().Spi)
}

func TestSaveLoadOfficeMode(t *testing.T) {
	s, err := NewSession(Identity{None: true}, SessionInitiator)
	require.NoError(t, err)

	om := &OfficeMode{CCCSession: "sess-1", Username: "alice", IPAddress: "10.0.0.5", Netmask: "255.255.255.0"}
	data, err := s.Save(om)
	require.NoError(t, err)

	loaded, err := s.Load(data)
	require.NoError(t, err)
	assert.Equal(t, om, loaded)
}
