package isakmp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backend/internal/apperrors"
	"backend/internal/logger"
)

// Transport is the minimal duplex byte-message channel a Service drives
// its exchanges over. internal/tcpt.Transport implements this for the
// vendor TCPT-framed IKE channel.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

const attributeResponseTimeout = 120 * time.Second

// Service drives the phase1/phase2 IKEv1 exchange over a Transport,
// tracking the message-id/identifier pair the gateway expects echoed back
// in subsequent attribute responses.
type Service struct {
	transport     Transport
	session       *Session
	nextMessageID uint32
}

// NewService pairs a Transport with a freshly constructed Session.
func NewService(transport Transport, session *Session) (*Service, error) {
	return &Service{transport: transport, session: session}, nil
}

// Session exposes the underlying negotiation state (ESP keying material,
// Save/Load) to the connector.
func (svc *Service) Session() *Session { return svc.session }

func (svc *Service) newMessageID() uint32 {
	svc.nextMessageID++
	return svc.nextMessageID
}

func randSPI() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// DoSaProposal sends the phase-1 SA payload proposing the connector's
// single supported transform (AES-256/SHA-256, main mode) and waits for
// the gateway's selection.
func (svc *Service) DoSaProposal(ctx context.Context, ikeLifetime time.Duration) error {
	lifetimeSecs := uint32(ikeLifetime.Seconds())
	saBody := EncodeAttributes(0, []Attribute{
		{Type: 1, Format: AttributeFormatShort, Short: 1}, // encryption: AES-CBC
		{Type: 2, Format: AttributeFormatShort, Short: 2}, // hash: SHA-256
		{Type: 11, Format: AttributeFormatLong, Long: uint32Bytes(lifetimeSecs)},
	})

	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ExchangeType:    ExchangeIdentityProtection,
		MessageID:       0,
		Payloads:        []Payload{{Type: PayloadSecurityAssociation, Body: saBody}},
	}
	if err := svc.transport.Send(ctx, msg.Encode()); err != nil {
		return fmt.Errorf("isakmp: send sa proposal: %w", err)
	}

	reply, err := svc.receive(ctx)
	if err != nil {
		return fmt.Errorf("isakmp: sa proposal reply: %w", err)
	}
	svc.session.RespCookie = reply.ResponderCookie
	return nil
}

// DoKeyExchange performs the Diffie-Hellman exchange and derives the
// SKEYID keying material. myAddress and gatewayAddress are accepted but
// not used.
func (svc *Service) DoKeyExchange(ctx context.Context, myAddress, gatewayAddress string) error {
	pub, nonce, err := svc.session.GenerateKeyExchange()
	if err != nil {
		return err
	}

	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeIdentityProtection,
		MessageID:       0,
		Payloads: []Payload{
			{Type: PayloadKeyExchange, Body: pub},
			{Type: PayloadNonce, Body: nonce},
		},
	}
	if err := svc.transport.Send(ctx, msg.Encode()); err != nil {
		return fmt.Errorf("isakmp: send key exchange: %w", err)
	}

	reply, err := svc.receive(ctx)
	if err != nil {
		return fmt.Errorf("isakmp: key exchange reply: %w", err)
	}

	kePayload, ok := reply.Find(PayloadKeyExchange)
	if !ok {
		return fmt.Errorf("isakmp: reply missing key exchange payload")
	}
	noncePayload, ok := reply.Find(PayloadNonce)
	if !ok {
		return fmt.Errorf("isakmp: reply missing nonce payload")
	}

	return svc.session.ComputeSharedSecret(kePayload.Body, noncePayload.Body)
}

// DoIdentityProtection sends the identity-protection payload carrying the
// authentication S-expression blob and waits (with a bounded deadline,
// surfaced as apperrors.IdentityTimeout on expiry) for either an
// attributes reply (challenge/success/failure) or, if the realm needs no
// further attribute round, a nil reply meaning "proceed straight to
// office-mode".
func (svc *Service) DoIdentityProtection(ctx context.Context, req IdentityRequest) (*AttributesPayload, uint32, error) {
	hashBody := []byte(req.AuthBlob)

	msgID := svc.newMessageID()
	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeIdentityProtection,
		MessageID:       msgID,
		Payloads: []Payload{
			{Type: PayloadIdentification, Body: []byte("vpn-user")},
			{Type: PayloadHash, Body: hashBody},
		},
	}
	if err := svc.transport.Send(ctx, msg.Encode()); err != nil {
		return nil, 0, fmt.Errorf("isakmp: send identity protection: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, attributeResponseTimeout)
	defer cancel()

	reply, err := svc.receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, apperrors.IdentityTimeout()
		}
		return nil, 0, fmt.Errorf("isakmp: identity protection reply: %w", err)
	}

	attrPayload, ok := reply.Find(PayloadAttributes)
	if !ok {
		return nil, reply.MessageID, nil
	}
	attrs, err := DecodeAttributes(attrPayload.Body)
	if err != nil {
		return nil, 0, err
	}
	return attrs, reply.MessageID, nil
}

// SendAckResponse acknowledges a successful attributes reply so the
// gateway proceeds to release the office-mode lease.
func (svc *Service) SendAckResponse(ctx context.Context, identifier uint16, messageID uint32) error {
	body := EncodeAttributes(identifier, []Attribute{
		{Type: uint16(ConfigAttributeStatus), Format: AttributeFormatShort, Short: 1},
	})
	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeTransaction,
		MessageID:       messageID,
		Payloads:        []Payload{{Type: PayloadAttributes, Body: body}},
	}
	return svc.transport.Send(ctx, msg.Encode())
}

// SendAttribute answers an outstanding challenge with the user's input,
// tagged under the same attribute kind the gateway asked for, and returns
// the resulting attributes reply (which may itself be another challenge).
func (svc *Service) SendAttribute(ctx context.Context, identifier uint16, messageID uint32, kind ConfigAttributeType, value []byte, timeout time.Duration) (*AttributesPayload, uint32, error) {
	body := EncodeAttributes(identifier, []Attribute{
		{Type: uint16(kind), Format: AttributeFormatLong, Long: value},
	})
	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeTransaction,
		MessageID:       messageID,
		Payloads:        []Payload{{Type: PayloadAttributes, Body: body}},
	}
	if err := svc.transport.Send(ctx, msg.Encode()); err != nil {
		return nil, 0, fmt.Errorf("isakmp: send challenge attribute: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := svc.receive(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("isakmp: challenge attribute reply: %w", err)
	}
	attrPayload, ok := reply.Find(PayloadAttributes)
	if !ok {
		return nil, 0, fmt.Errorf("isakmp: challenge reply missing attributes payload")
	}
	attrs, err := DecodeAttributes(attrPayload.Body)
	if err != nil {
		return nil, 0, err
	}
	return attrs, reply.MessageID, nil
}

// SendOmRequest requests the office-mode lease (inner address, netmask,
// DNS, search domains), optionally narrowing to a previously-leased
// address (no netmask is sent) and a dummy device MAC.
func (svc *Service) SendOmRequest(ctx context.Context, prevAddress string, mac []byte) (*AttributesPayload, error) {
	var attrs []Attribute
	if prevAddress != "" {
		attrs = append(attrs, Attribute{Type: uint16(ConfigAttributeIpv4Address), Format: AttributeFormatLong, Long: []byte(prevAddress)})
	}
	if len(mac) > 0 {
		attrs = append(attrs, Attribute{Type: 16530, Format: AttributeFormatLong, Long: mac})
	}
	body := EncodeAttributes(0, attrs)

	msgID := svc.newMessageID()
	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeTransaction,
		MessageID:       msgID,
		Payloads:        []Payload{{Type: PayloadAttributes, Body: body}},
	}
	if err := svc.transport.Send(ctx, msg.Encode()); err != nil {
		return nil, fmt.Errorf("isakmp: send om request: %w", err)
	}

	reply, err := svc.receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("isakmp: om reply: %w", err)
	}
	attrPayload, ok := reply.Find(PayloadAttributes)
	if !ok {
		return nil, fmt.Errorf("isakmp: om reply missing attributes payload")
	}
	return DecodeAttributes(attrPayload.Body)
}

// DoEspProposal negotiates quick mode for a new pair of ESP SAs, derives
// the inbound/outbound keying material, and returns the raw negotiated
// attributes (the caller reads LifeDuration back out for bookkeeping).
func (svc *Service) DoEspProposal(ctx context.Context, innerAddress string, lifetime time.Duration) ([]Attribute, error) {
	spiIn, err := randSPI()
	if err != nil {
		return nil, fmt.Errorf("isakmp: generate inbound spi: %w", err)
	}
	spiOut, err := randSPI()
	if err != nil {
		return nil, fmt.Errorf("isakmp: generate outbound spi: %w", err)
	}

	body := EncodeAttributes(0, []Attribute{
		{Type: uint16(EspAttributeLifeType), Format: AttributeFormatShort, Short: 1},
		{Type: uint16(EspAttributeLifeDuration), Format: AttributeFormatLong, Long: uint32Bytes(uint32(lifetime.Seconds()))},
		{Type: uint16(EspAttributeAuthAlgo), Format: AttributeFormatShort, Short: 2}, // HMAC-SHA1-96
	})

	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeQuickMode,
		MessageID:       svc.newMessageID(),
		Payloads:        []Payload{{Type: PayloadAttributes, Body: body}},
	}
	if err := svc.transport.Send(ctx, msg.Encode()); err != nil {
		return nil, fmt.Errorf("isakmp: send esp proposal: %w", err)
	}

	reply, err := svc.receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("isakmp: esp proposal reply: %w", err)
	}
	attrPayload, ok := reply.Find(PayloadAttributes)
	if !ok {
		return nil, fmt.Errorf("isakmp: esp reply missing attributes payload")
	}
	attrs, err := DecodeAttributes(attrPayload.Body)
	if err != nil {
		return nil, err
	}

	svc.session.DeriveEspKeying(spiIn, spiOut, "aes-cbc", "hmac-sha1-96")
	return attrs.Attributes, nil
}

// DeleteSA sends an informational delete notification for the current
// phase-1/phase-2 SAs; the gateway tears down its side without a reply.
func (svc *Service) DeleteSA(ctx context.Context) error {
	msg := &Message{
		InitiatorCookie: svc.session.InitCookie,
		ResponderCookie: svc.session.RespCookie,
		ExchangeType:    ExchangeInformational,
		MessageID:       svc.newMessageID(),
		Payloads:        []Payload{{Type: PayloadDelete, Body: []byte{}}},
	}
	err := svc.transport.Send(ctx, msg.Encode())
	if err != nil {
		logger.L().Warn("isakmp: delete sa send failed", zap.Error(err))
	}
	return err
}

// Close releases the underlying transport.
func (svc *Service) Close() error { return svc.transport.Close() }

func (svc *Service) receive(ctx context.Context) (*Message, error) {
	data, err := svc.transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("isakmp: incomplete message")
	}
	return msg, nil
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
