// Package isakmp implements a minimal IKEv1/ISAKMP codec and the
// phase1/phase2 exchange driver used to bring up an IPsec office-mode
// session against a Check Point-style gateway: SA/key-exchange, identity
// protection carrying an S-expression auth blob, vendor configuration
// attributes (office-mode lease, MFA challenges), ESP quick-mode proposal,
// and delete-SA notification.
package isakmp

import "fmt"

// ExchangeType is the ISAKMP header exchange-type octet.
type ExchangeType uint8

const (
	ExchangeBase              ExchangeType = 1
	ExchangeIdentityProtection ExchangeType = 2
	ExchangeAuthOnly          ExchangeType = 3
	ExchangeAggressive        ExchangeType = 4
	ExchangeInformational     ExchangeType = 5
	ExchangeTransaction       ExchangeType = 6
	ExchangeQuickMode         ExchangeType = 32
)

// PayloadType is the ISAKMP generic payload header's "next payload" /
// "this payload" type octet.
type PayloadType uint8

const (
	PayloadNone                 PayloadType = 0
	PayloadSecurityAssociation  PayloadType = 1
	PayloadProposal             PayloadType = 2
	PayloadTransform            PayloadType = 3
	PayloadKeyExchange          PayloadType = 4
	PayloadIdentification       PayloadType = 5
	PayloadCertificate          PayloadType = 6
	PayloadCertificateRequest   PayloadType = 7
	PayloadHash                 PayloadType = 8
	PayloadSignature            PayloadType = 9
	PayloadNonce                PayloadType = 10
	PayloadNotification         PayloadType = 11
	PayloadDelete               PayloadType = 12
	PayloadVendorID             PayloadType = 13
	PayloadAttributes           PayloadType = 14 // ModeCfg / vendor attribute set
	PayloadNATDiscovery         PayloadType = 20
)

func (p PayloadType) String() string {
	switch p {
	case PayloadSecurityAssociation:
		return "SecurityAssociation"
	case PayloadProposal:
		return "Proposal"
	case PayloadTransform:
		return "Transform"
	case PayloadKeyExchange:
		return "KeyExchange"
	case PayloadIdentification:
		return "Identification"
	case PayloadCertificate:
		return "Certificate"
	case PayloadCertificateRequest:
		return "CertificateRequest"
	case PayloadHash:
		return "Hash"
	case PayloadSignature:
		return "Signature"
	case PayloadNonce:
		return "Nonce"
	case PayloadNotification:
		return "Notification"
	case PayloadDelete:
		return "Delete"
	case PayloadVendorID:
		return "VendorID"
	case PayloadAttributes:
		return "Attributes"
	case PayloadNATDiscovery:
		return "NATDiscovery"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}

// AttributeFormat distinguishes a 2-byte TV attribute from a
// length-prefixed TLV attribute in a mode-cfg attribute payload.
type AttributeFormat uint8

const (
	AttributeFormatShort AttributeFormat = iota // TV: value packed in the length field
	AttributeFormatLong                         // TLV: explicit length + value bytes
)

// ConfigAttributeType enumerates the vendor mode-cfg attributes the
// connector cares about. ConfigAttributeOther (0) is not a wire value: it
// is the fallback returned when no known attribute applies.
type ConfigAttributeType uint16

const (
	ConfigAttributeAuthType           ConfigAttributeType = 16521
	ConfigAttributeChallenge          ConfigAttributeType = 16522
	ConfigAttributeStatus             ConfigAttributeType = 16523
	ConfigAttributeIpv4Address        ConfigAttributeType = 1
	ConfigAttributeIpv4Netmask        ConfigAttributeType = 2
	ConfigAttributeAddressExpiry      ConfigAttributeType = 3
	ConfigAttributeIpv4Dns            ConfigAttributeType = 6
	ConfigAttributeInternalDomainName ConfigAttributeType = 16529
	ConfigAttributeCccSessionID       ConfigAttributeType = 16527
	ConfigAttributeMessage            ConfigAttributeType = 16528
	ConfigAttributeUserName           ConfigAttributeType = 16524
	ConfigAttributeOther              ConfigAttributeType = 0
)

// EspAttributeType enumerates the quick-mode (ESP) SA attributes parsed
// out of a transform payload.
type EspAttributeType uint16

const (
	EspAttributeLifeType     EspAttributeType = 1
	EspAttributeLifeDuration EspAttributeType = 2
	EspAttributeEncapMode    EspAttributeType = 4
	EspAttributeAuthAlgo     EspAttributeType = 5
	EspAttributeOther        EspAttributeType = 0
)

// Attribute is one entry of an Attributes payload, either a short (TV) or
// long (TLV) form.
type Attribute struct {
	Type   uint16
	Format AttributeFormat
	Short  uint16
	Long   []byte
}

// AsShort returns the short-form value, if this is a TV attribute.
func (a Attribute) AsShort() (uint16, bool) {
	if a.Format == AttributeFormatShort {
		return a.Short, true
	}
	return 0, false
}

// AsLong returns the long-form value, if this is a TLV attribute.
func (a Attribute) AsLong() ([]byte, bool) {
	if a.Format == AttributeFormatLong {
		return a.Long, true
	}
	return nil, false
}

// AttributesPayload is a decoded mode-cfg/vendor attribute set, carrying
// the message-id/identifier pair needed to ack or continue the exchange.
type AttributesPayload struct {
	Identifier uint16
	Attributes []Attribute
}

func (p *AttributesPayload) firstLong(t ConfigAttributeType) ([]byte, bool) {
	for _, a := range p.Attributes {
		if ConfigAttributeType(a.Type) == t {
			if v, ok := a.AsLong(); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func (p *AttributesPayload) allLong(t ConfigAttributeType) [][]byte {
	var out [][]byte
	for _, a := range p.Attributes {
		if ConfigAttributeType(a.Type) == t {
			if v, ok := a.AsLong(); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

func (p *AttributesPayload) firstShort(t ConfigAttributeType) (uint16, bool) {
	for _, a := range p.Attributes {
		if ConfigAttributeType(a.Type) == t {
			if v, ok := a.AsShort(); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// ChallengeAttributeKind returns the first attribute kind that is not
// AuthType/Challenge/Status — the vendor's way of tagging what sort of
// input the challenge wants.
func (p *AttributesPayload) ChallengeAttributeKind() ConfigAttributeType {
	for _, a := range p.Attributes {
		t := ConfigAttributeType(a.Type)
		if t != ConfigAttributeAuthType && t != ConfigAttributeChallenge && t != ConfigAttributeStatus {
			return t
		}
	}
	return ConfigAttributeOther
}

// Identity carries the connector's own client certificate material for
// the identity-protection exchange, when certificate auth is configured.
type Identity struct {
	None   bool
	Pkcs12 *Pkcs12Identity
	Pkcs8  *Pkcs8Identity
}

type Pkcs12Identity struct {
	Data     []byte
	Password string
}

type Pkcs8Identity struct {
	Path string
}

// IdentityRequest is the input to the identity-protection phase: the
// S-expression authentication blob and whether the realm is MFA-capable.
type IdentityRequest struct {
	AuthBlob               string
	WithMFA                bool
	InternalCAFingerprints []string
}

// OfficeMode is the persisted subset of an IKE session needed to restore
// a tunnel without redoing phase 1/2: the CCC session id, the assigned
// identity, and the last office-mode lease.
type OfficeMode struct {
	CCCSession string   `json:"ccc_session"`
	Username   string   `json:"username"`
	IPAddress  string   `json:"ip_address"`
	Netmask    string   `json:"netmask"`
	DNS        []string `json:"dns"`
	Domains    []string `json:"domains"`
}
