// Package model holds the plain data types shared by the connector, tunnel,
// actor, and IPC packages: tunnel parameters, session state, MFA challenges,
// and connection status.
package model

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TunnelType selects which connector/tunnel implementation drives a session.
type TunnelType int

const (
	TunnelTypeIpsec TunnelType = iota
	TunnelTypeSsl
)

func (t TunnelType) String() string {
	switch t {
	case TunnelTypeIpsec:
		return "ipsec"
	case TunnelTypeSsl:
		return "ssl"
	default:
		return "unknown"
	}
}

// TransportType selects the IPsec data-plane transport.
type TransportType int

const (
	TransportUdpNatT TransportType = iota
	TransportTcpt
	TransportNativeXfrm
)

func (t TransportType) String() string {
	switch t {
	case TransportUdpNatT:
		return "udp"
	case TransportTcpt:
		return "tcpt"
	case TransportNativeXfrm:
		return "native"
	default:
		return "unknown"
	}
}

// CertType selects the client identity material used for CertAuth.
type CertType int

const (
	CertTypeNone CertType = iota
	CertTypePkcs12
	CertTypePkcs8
	CertTypePkcs11
)

// SocketAddr is a minimal IPv4 host:port pair used for the NAT-T port-knock
// override; it avoids importing net.UDPAddr's IPv6-shaped zero value into
// the persisted config format.
type SocketAddr struct {
	IP   net.IP
	Port uint16
}

func (s SocketAddr) String() string {
	if s.IP == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.IP.String(), s.Port)
}

// TunnelParams is the full set of per-connection parameters a connector
// needs: server identity, credentials, transport selection, routing/DNS
// policy, and certificate material.
type TunnelParams struct {
	ProfileID          uuid.UUID
	ServerName         string
	UserName           string
	Password           string
	LogLevel           string
	SearchDomains      []string
	IgnoreSearchDomains []string
	DefaultRoute       bool
	NoRouting          bool
	AddRoutes          []*net.IPNet
	IgnoreRoutes       []*net.IPNet
	NoDNS              bool
	NoCertCheck        bool
	IgnoreServerCert   bool
	TunnelType         TunnelType
	TransportType      TransportType
	CACert             string
	LoginType          string
	ClientCert         string
	CertPassword       string
	CertType           CertType
	CertID             string
	IfName             string
	NoKeychain         bool
	ServerPrompt       bool
	EspLifetime        time.Duration
	IkeLifetime        time.Duration
	IPLeaseTime        time.Duration
	SetRoutingDomains  bool
	IkePersist         bool
	ClientMode         string
	SecondaryRealmHash string
	PortKnock          *SocketAddr
	KeepaliveEnabled   bool
	ConfigFile         string
}

const (
	IpsecKeepalivePort  = 18234
	DefaultIpsecIfName  = "snx-xfrm"
	DefaultSslIfName    = "snx-tun"
	DefaultEspLifetime  = 3600 * time.Second
	DefaultIkeLifetime  = 28800 * time.Second
	DefaultIPLeaseTime  = 3600 * time.Second
)

// DefaultTunnelParams returns the zero-value-safe defaults the original
// connector applies when a profile file is absent or a field is unset.
func DefaultTunnelParams() *TunnelParams {
	return &TunnelParams{
		LogLevel:         "off",
		TunnelType:       TunnelTypeIpsec,
		TransportType:    TransportUdpNatT,
		ServerPrompt:     true,
		EspLifetime:      DefaultEspLifetime,
		IkeLifetime:      DefaultIkeLifetime,
		IPLeaseTime:      DefaultIPLeaseTime,
		ClientMode:       "SYMBIAN",
		KeepaliveEnabled: true,
	}
}

// EspCryptMaterial holds one direction's negotiated ESP keying material.
type EspCryptMaterial struct {
	Spi            uint32
	SkEi           []byte // encryption key
	SkAi           []byte // authentication key
	CipherName     string
	HmacName       string
	HmacTruncBits  int
}

// IpsecSession is the negotiated IPsec state for an established tunnel:
// office-mode lease, DNS, and dual-direction ESP material.
type IpsecSession struct {
	Lifetime time.Duration
	Address  net.IP
	Netmask  net.IP
	DNS      []net.IP
	Domains  []string
	EspIn    *EspCryptMaterial
	EspOut   *EspCryptMaterial
}

// SessionStateKind distinguishes the three states a VpnSession's
// authentication can be in.
type SessionStateKind int

const (
	SessionStateNone SessionStateKind = iota
	SessionStateAuthenticated
	SessionStatePendingChallenge
)

// SessionState is a small sum type: either nothing, an authenticated active
// key, or a pending MFA challenge.
type SessionState struct {
	Kind      SessionStateKind
	ActiveKey string
	Challenge *MfaChallenge
}

// VpnSession is the per-connection session identity and state carried
// between the CCC handshake and the tunnel's data plane.
type VpnSession struct {
	CCCSessionID string
	IpsecSession *IpsecSession
	State        SessionState
}

// EmptyVpnSession returns a session with no CCC id and no state, the value
// used before the first ClientHello/Auth round trip.
func EmptyVpnSession() *VpnSession {
	return &VpnSession{State: SessionState{Kind: SessionStateNone}}
}

// ActiveKey returns the authenticated active key, or "" if the session
// isn't authenticated.
func (s *VpnSession) ActiveKey() string {
	if s.State.Kind == SessionStateAuthenticated {
		return s.State.ActiveKey
	}
	return ""
}

// MfaType distinguishes the four challenge presentation kinds.
type MfaType int

const (
	MfaPasswordInput MfaType = iota
	MfaSamlSso
	MfaUserNameInput
	MfaMobileAccess
)

// mobileAccessMarker is the substring a login-option factor id carries
// when the gateway wants the mobile-access authentication flow rather
// than a plain password/SAML/username challenge.
const mobileAccessMarker = "mobile_access"

// MfaTypeFromID maps a login-option factor id to a presentation kind.
func MfaTypeFromID(id string) MfaType {
	switch {
	case id == "CPSC_SP_URL":
		return MfaSamlSso
	case strings.Contains(strings.ToLower(id), mobileAccessMarker):
		return MfaMobileAccess
	default:
		return MfaPasswordInput
	}
}

// MfaChallenge is a single outstanding multi-factor prompt.
type MfaChallenge struct {
	Type   MfaType
	Prompt string
}

// ConnectionStatusKind distinguishes the four states of ConnectionStatus.
type ConnectionStatusKind int

const (
	StatusDisconnected ConnectionStatusKind = iota
	StatusConnecting
	StatusConnected
	StatusMfa
)

// ConnectionInfo carries the detail surfaced once StatusConnected is
// reached: lease, DNS, and which interface/transport carried it.
type ConnectionInfo struct {
	Since            time.Time
	ServerName       string
	UserName         string
	TunnelType       TunnelType
	TransportType    TransportType
	AssignedIP       net.IP
	DNSServers       []net.IP
	SearchDomains    []string
	InterfaceName    string
	DNSApplied       bool
	RoutingApplied   bool
	DefaultRouteSet  bool
}

// ConnectionStatus is the status value exposed over IPC to CLI/tray
// clients: Disconnected, Connecting, Connected(info), or Mfa(challenge).
type ConnectionStatus struct {
	Kind      ConnectionStatusKind
	Connected *ConnectionInfo
	Mfa       *MfaChallenge
}

func StatusDisconnectedValue() ConnectionStatus {
	return ConnectionStatus{Kind: StatusDisconnected}
}

func StatusConnectingValue() ConnectionStatus {
	return ConnectionStatus{Kind: StatusConnecting}
}

func StatusConnectedValue(info *ConnectionInfo) ConnectionStatus {
	return ConnectionStatus{Kind: StatusConnected, Connected: info}
}

func StatusMfaValue(challenge *MfaChallenge) ConnectionStatus {
	return ConnectionStatus{Kind: StatusMfa, Mfa: challenge}
}

func (s ConnectionStatus) String() string {
	switch s.Kind {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting in progress"
	case StatusConnected:
		if s.Connected != nil {
			return fmt.Sprintf("Connected since %s", s.Connected.Since.Format(time.RFC3339))
		}
		return "Connected"
	case StatusMfa:
		if s.Mfa != nil {
			return fmt.Sprintf("MFA pending: %v", s.Mfa.Type)
		}
		return "MFA pending"
	default:
		return "Unknown"
	}
}

// PersistedIkeSession is a typed view of a persisted IKE session, keyed
// by (ProfileID, ServerName). internal/persistence does not use it; each
// of its rows holds an opaque data blob.
type PersistedIkeSession struct {
	ProfileID   uuid.UUID
	ServerName  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	IkeID       []byte
	SKEYID      []byte
	SKEYIDd     []byte
	SKEYIDa     []byte
	SKEYIDe     []byte
	LastMsgID   uint32
}
