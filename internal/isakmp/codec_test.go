package isakmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		ExchangeType: ExchangeIdentityProtection,
		MessageID:    7,
		Payloads: []Payload{
			{Type: PayloadSecurityAssociation, Body: []byte("sa-body")},
			{Type: PayloadNonce, Body: []byte("nonce-body")},
		},
	}
	msg.InitiatorCookie[0] = 0xAB
	msg.ResponderCookie[0] = 0xCD

	encoded := msg.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.Equal(t, msg.InitiatorCookie, decoded.InitiatorCookie)
	assert.Equal(t, msg.ResponderCookie, decoded.ResponderCookie)
	assert.Equal(t, msg.ExchangeType, decoded.ExchangeType)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	require.Len(t, decoded.Payloads, 2)
	assert.Equal(t, PayloadSecurityAssociation, decoded.Payloads[0].Type)
	assert.Equal(t, []byte("sa-body"), decoded.Payloads[0].Body)
	assert.Equal(t, PayloadNonce, decoded.Payloads[1].Type)
	assert.Equal(t, []byte("nonce-body"), decoded.Payloads[1].Body)
}

func TestDecodeIncompleteReturnsNilNil(t *testing.T) {
	decoded, err := Decode([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestAttributesEncodeDecodeRoundTrip(t *testing.T) {
	attrs := []Attribute{
		{Type: uint16(ConfigAttributeStatus), Format: AttributeFormatShort, Short: 1},
		{Type: uint16(ConfigAttributeCccSessionID), Format: AttributeFormatLong, Long: []byte("session-123")},
	}
	body := EncodeAttributes(42, attrs)

	decoded, err := DecodeAttributes(body)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), decoded.Identifier)
	require.Len(t, decoded.Attributes, 2)

	short, ok := decoded.Attributes[0].AsShort()
	require.True(t, ok)
	assert.Equal(t, uint16(1), short)

	long, ok := decoded.Attributes[1].AsLong()
	require.True(t, ok)
	assert.Equal(t, "session-123", string(long))
}

func TestAttributesPayloadHelpers(t *testing.T) {
	p := &AttributesPayload{Attributes: []Attribute{
		{Type: uint16(ConfigAttributeAuthType), Format: AttributeFormatShort, Short: 1},
		{Type: uint16(ConfigAttributeIpv4Address), Format: AttributeFormatLong, Long: []byte{10, 0, 0, 1}},
	}}

	v, ok := p.firstLong(ConfigAttributeIpv4Address)
	require.True(t, ok)
	assert.Equal(t, []byte{10, 0, 0, 1}, v)

	assert.Equal(t, ConfigAttributeIpv4Address, p.ChallengeAttributeKind())
}
