package isakmp

import (
	"encoding/binary"
	"fmt"
)

const headerLen = 28

// Payload is one ISAKMP payload: a generic header plus its body. Body is
// kept as an opaque blob at this layer; typed decoders (DecodeAttributes)
// interpret it on demand, mirroring the upstream crate's
// split between "generic payload" framing and exchange-specific payload
// bodies.
type Payload struct {
	Type PayloadType
	Body []byte
}

// Message is one decoded ISAKMP datagram.
type Message struct {
	InitiatorCookie [8]byte
	ResponderCookie [8]byte
	ExchangeType    ExchangeType
	Flags           uint8
	MessageID       uint32
	Payloads        []Payload
}

// Flags bits (RFC 2408 §3.1).
const (
	FlagEncryption uint8 = 1 << 0
	FlagCommit     uint8 = 1 << 1
	FlagAuthOnly   uint8 = 1 << 2
)

// Encode serializes the message header and its payloads, chaining each
// payload's NextPayload field to the type of the one that follows it (and
// PayloadNone for the last one).
func (m *Message) Encode() []byte {
	bodies := make([][]byte, len(m.Payloads))
	total := headerLen
	for i, p := range m.Payloads {
		bodies[i] = p.Body
		total += 4 + len(p.Body)
	}

	out := make([]byte, 0, total)
	out = append(out, m.InitiatorCookie[:]...)
	out = append(out, m.ResponderCookie[:]...)

	firstType := PayloadNone
	if len(m.Payloads) > 0 {
		firstType = m.Payloads[0].Type
	}
	out = append(out, byte(firstType), 0x10, byte(m.ExchangeType), m.Flags)

	msgID := make([]byte, 4)
	binary.BigEndian.PutUint32(msgID, m.MessageID)
	out = append(out, msgID...)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(total))
	out = append(out, lenBuf...)

	for i, p := range m.Payloads {
		next := PayloadNone
		if i+1 < len(m.Payloads) {
			next = m.Payloads[i+1].Type
		}
		plen := 4 + len(p.Body)
		out = append(out, byte(next), 0, byte(plen>>8), byte(plen))
		out = append(out, p.Body...)
	}
	return out
}

// Decode parses an ISAKMP datagram into a Message. It returns (nil, nil)
// if data is too short to contain a complete header, signalling "need
// more bytes" to a stream-oriented transport (TCPT) rather than an error.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, nil
	}

	m := &Message{}
	copy(m.InitiatorCookie[:], data[0:8])
	copy(m.ResponderCookie[:], data[8:16])
	firstType := PayloadType(data[16])
	m.ExchangeType = ExchangeType(data[18])
	m.Flags = data[19]
	m.MessageID = binary.BigEndian.Uint32(data[20:24])
	total := binary.BigEndian.Uint32(data[24:28])

	if int(total) > len(data) {
		return nil, nil
	}

	pos := headerLen
	nextType := firstType
	for nextType != PayloadNone {
		if pos+4 > int(total) {
			return nil, fmt.Errorf("isakmp: truncated payload header at offset %d", pos)
		}
		thisType := nextType
		after := PayloadType(data[pos])
		plen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if plen < 4 || pos+plen > int(total) {
			return nil, fmt.Errorf("isakmp: invalid payload length %d at offset %d", plen, pos)
		}
		body := data[pos+4 : pos+plen]
		m.Payloads = append(m.Payloads, Payload{Type: thisType, Body: append([]byte(nil), body...)})
		pos += plen
		nextType = after
	}

	return m, nil
}

// PayloadTypes returns the ordered list of payload types in the message,
// for logging an unsolicited message's shape without dumping raw bytes.
func (m *Message) PayloadTypes() []PayloadType {
	out := make([]PayloadType, len(m.Payloads))
	for i, p := range m.Payloads {
		out[i] = p.Type
	}
	return out
}

// Find returns the first payload of the given type, if any.
func (m *Message) Find(t PayloadType) (Payload, bool) {
	for _, p := range m.Payloads {
		if p.Type == t {
			return p, true
		}
	}
	return Payload{}, false
}

// --- Attributes payload wire format ---

const attrShortFlag = 0x8000

// EncodeAttributes serializes an identifier plus a list of attributes
// into an Attributes (mode-cfg) payload body.
func EncodeAttributes(identifier uint16, attrs []Attribute) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], identifier)
	// out[2:4] reserved/type field, left zero: this driver only ever emits
	// ISAKMP_CFG_ACK/REPLY style bodies the connector constructs directly.
	for _, a := range attrs {
		switch a.Format {
		case AttributeFormatShort:
			hdr := make([]byte, 4)
			binary.BigEndian.PutUint16(hdr[0:2], a.Type|attrShortFlag)
			binary.BigEndian.PutUint16(hdr[2:4], a.Short)
			out = append(out, hdr...)
		case AttributeFormatLong:
			hdr := make([]byte, 4)
			binary.BigEndian.PutUint16(hdr[0:2], a.Type)
			binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Long)))
			out = append(out, hdr...)
			out = append(out, a.Long...)
		}
	}
	return out
}

// DecodeAttributes parses an Attributes payload body.
func DecodeAttributes(body []byte) (*AttributesPayload, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("isakmp: attributes payload too short")
	}
	p := &AttributesPayload{Identifier: binary.BigEndian.Uint16(body[0:2])}
	pos := 4
	for pos+4 <= len(body) {
		rawType := binary.BigEndian.Uint16(body[pos : pos+2])
		lenOrVal := binary.BigEndian.Uint16(body[pos+2 : pos+4])
		pos += 4
		if rawType&attrShortFlag != 0 {
			p.Attributes = append(p.Attributes, Attribute{
				Type: rawType &^ attrShortFlag, Format: AttributeFormatShort, Short: lenOrVal,
			})
			continue
		}
		if pos+int(lenOrVal) > len(body) {
			return nil, fmt.Errorf("isakmp: attribute value overruns payload")
		}
		value := append([]byte(nil), body[pos:pos+int(lenOrVal)]...)
		p.Attributes = append(p.Attributes, Attribute{Type: rawType, Format: AttributeFormatLong, Long: value})
		pos += int(lenOrVal)
	}
	return p, nil
}
