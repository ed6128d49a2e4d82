// Package esp implements the user-space ESP (RFC 4303) packet codec used
// by the UDP and TCPT tunnel variants: AES-CBC encryption with HMAC-SHA1
// or HMAC-SHA256 authentication, full (unshortened) ICV truncation length
// per the connector's wire convention, and the dual-SPI inbound overlap
// window needed to ride out a rekey without dropping in-flight packets.
package esp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // vendor protocol requires HMAC-SHA1 support, not used standalone
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"
	"sync/atomic"

	"backend/internal/model"
)

const (
	headerLen = 8 // SPI(4) + sequence(4)
	ivLen     = aes.BlockSize
	trailerLen = 2 // pad length + next header
)

func macFor(name string) (func() hash.Hash, int, error) {
	switch name {
	case "hmac-sha1-96", "hmac-sha1":
		return sha1.New, sha1.Size, nil
	case "hmac-sha256", "hmac-sha256-128":
		return sha256.New, sha256.Size, nil
	default:
		return nil, 0, fmt.Errorf("esp: unsupported hmac algorithm %q", name)
	}
}

// inboundKey pairs one direction's crypt material with precomputed hash
// constructors, so Decrypt doesn't re-resolve the algorithm per packet.
type inboundKey struct {
	material model.EspCryptMaterial
	macNew   func() hash.Hash
	macLen   int
}

func newInboundKey(m model.EspCryptMaterial) (*inboundKey, error) {
	macNew, macLen, err := macFor(m.HmacName)
	if err != nil {
		return nil, err
	}
	return &inboundKey{material: m, macNew: macNew, macLen: macLen}, nil
}

// Codec holds the negotiated encrypt/decrypt keys for one ESP tunnel.
// Rekey() replaces the outbound key atomically while keeping the previous
// inbound key live for an overlap window (spec §4.2: "inbound codec adds
// a new SPI without dropping the old one").
type Codec struct {
	mu       sync.RWMutex
	outbound *inboundKey
	inbound  []*inboundKey // most recent last; up to two entries during overlap
	seq      atomic.Uint32
}

// NewCodec builds a codec from the initial negotiated in/out keying
// material (the result of the first DoEspProposal).
func NewCodec(in, out model.EspCryptMaterial) (*Codec, error) {
	inKey, err := newInboundKey(in)
	if err != nil {
		return nil, err
	}
	outKey, err := newInboundKey(out)
	if err != nil {
		return nil, err
	}
	return &Codec{outbound: outKey, inbound: []*inboundKey{inKey}}, nil
}

// Rekey installs fresh in/out keying material. The old inbound key is
// kept alongside the new one (capped at the two most recent) so packets
// encrypted under the old SPI before the peer switched still decode;
// DropOldInbound prunes it once the overlap window elapses.
func (c *Codec) Rekey(in, out model.EspCryptMaterial) error {
	inKey, err := newInboundKey(in)
	if err != nil {
		return err
	}
	outKey, err := newInboundKey(out)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = outKey
	c.inbound = append(c.inbound, inKey)
	if len(c.inbound) > 2 {
		c.inbound = c.inbound[len(c.inbound)-2:]
	}
	return nil
}

// DropOldInbound removes every inbound key except the most recently
// installed one, ending the rekey overlap window.
func (c *Codec) DropOldInbound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) > 1 {
		c.inbound = c.inbound[len(c.inbound)-1:]
	}
}

// Encrypt wraps payload (a full inner IP packet) in tunnel-mode ESP under
// the current outbound SPI, nextHeader identifying the encapsulated
// protocol (4 for IPIP, matching the office-mode inner IPv4 packet).
func (c *Codec) Encrypt(payload []byte, nextHeader byte) ([]byte, error) {
	c.mu.RLock()
	key := c.outbound
	c.mu.RUnlock()

	block, err := aes.NewCipher(key.material.SkEi)
	if err != nil {
		return nil, fmt.Errorf("esp: build cipher: %w", err)
	}

	padded := append([]byte(nil), payload...)
	padLen := ivLen - (len(padded)+trailerLen)%ivLen
	if padLen == ivLen {
		padLen = 0
	}
	for i := 1; i <= padLen; i++ {
		padded = append(padded, byte(i))
	}
	padded = append(padded, byte(padLen), nextHeader)

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("esp: generate iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	seq := c.seq.Add(1)

	out := make([]byte, headerLen, headerLen+ivLen+len(ciphertext)+key.macLen)
	binary.BigEndian.PutUint32(out[0:4], key.material.Spi)
	binary.BigEndian.PutUint32(out[4:8], seq)
	out = append(out, iv...)
	out = append(out, ciphertext...)

	mac := hmac.New(key.macNew, key.material.SkAi)
	mac.Write(out)
	icv := mac.Sum(nil)
	out = append(out, icv[:key.macLen]...)

	return out, nil
}

// Decrypt unwraps an ESP packet, trying every live inbound SPI (current
// plus, during a rekey overlap window, the previous one) and returning
// the inner payload and its next-header value.
func (c *Codec) Decrypt(packet []byte) ([]byte, byte, error) {
	if len(packet) < headerLen+ivLen {
		return nil, 0, fmt.Errorf("esp: packet too short")
	}
	spi := binary.BigEndian.Uint32(packet[0:4])

	c.mu.RLock()
	keys := append([]*inboundKey(nil), c.inbound...)
	c.mu.RUnlock()

	for _, key := range keys {
		if key.material.Spi != spi {
			continue
		}
		return c.decryptWith(key, packet)
	}
	return nil, 0, fmt.Errorf("esp: no inbound key for spi %08x", spi)
}

func (c *Codec) decryptWith(key *inboundKey, packet []byte) ([]byte, byte, error) {
	if len(packet) < headerLen+ivLen+key.macLen {
		return nil, 0, fmt.Errorf("esp: packet too short for mac")
	}
	icvOffset := len(packet) - key.macLen
	body, icv := packet[:icvOffset], packet[icvOffset:]

	mac := hmac.New(key.macNew, key.material.SkAi)
	mac.Write(body)
	expected := mac.Sum(nil)[:key.macLen]
	if !hmac.Equal(expected, icv) {
		return nil, 0, fmt.Errorf("esp: mac verification failed")
	}

	iv := body[headerLen : headerLen+ivLen]
	ciphertext := body[headerLen+ivLen:]
	if len(ciphertext) == 0 || len(ciphertext)%ivLen != 0 {
		return nil, 0, fmt.Errorf("esp: invalid ciphertext length")
	}

	block, err := aes.NewCipher(key.material.SkEi)
	if err != nil {
		return nil, 0, fmt.Errorf("esp: build cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	if len(plain) < trailerLen {
		return nil, 0, fmt.Errorf("esp: plaintext too short for trailer")
	}
	nextHeader := plain[len(plain)-1]
	padLen := int(plain[len(plain)-2])
	if padLen+trailerLen > len(plain) {
		return nil, 0, fmt.Errorf("esp: invalid pad length")
	}
	payload := plain[:len(plain)-trailerLen-padLen]
	return payload, nextHeader, nil
}
