// Package platform defines the capability interfaces the connector and
// tunnel packages use for everything that touches the host OS: XFRM/IPsec
// state, UDP socket options, and DNS resolver configuration.
// internal/platform/linux provides the only implementation this
// connector ships, matching the spec's Linux-only platform scope.
package platform

import (
	"context"
	"net"
	"time"

	"backend/internal/model"
)

// IpsecConfigurator owns the native (kernel-offloaded) XFRM state and
// policy lifecycle for one tunnel: installing the initial SAs/policies,
// swapping in rekeyed SPIs without downtime, and tearing everything down
// on disconnect.
type IpsecConfigurator interface {
	Configure(ctx context.Context) error
	Rekey(ctx context.Context, session *model.IpsecSession) error
	Cleanup(ctx context.Context)
}

// UdpEncap identifies a UDP encapsulation mode for ESP-in-UDP sockets.
type UdpEncap int

const (
	UdpEncapEspInUdp UdpEncap = iota + 1
)

// UdpSocketExt is the set of socket options/behaviors the UDP ESP
// transport needs beyond net.UDPConn: ESP-in-UDP encapsulation (so the
// kernel strips the UDP header before XFRM sees the ESP packet) and
// disabling the UDP checksum (required by some NAT-T gateways), plus a
// bounded request/reply helper for NAT-T probing and keepalives.
type UdpSocketExt interface {
	SetEncap(encap UdpEncap) error
	SetNoCheck(flag bool) error
	SendReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error)
}

// ResolverConfig is the DNS state a tunnel wants applied while connected.
type ResolverConfig struct {
	SearchDomains []string
	DNSServers    []net.IP
}

// ResolverConfigurator applies and reverts per-interface DNS
// configuration (systemd-resolved, resolv.conf, or an equivalent).
type ResolverConfigurator interface {
	Configure(ctx context.Context, config ResolverConfig) error
	Cleanup(ctx context.Context, config ResolverConfig) error
}

// NetworkInterface reports host connectivity and the default route's
// source address, used to decide whether a rekey/restore attempt is even
// worth making.
type NetworkInterface interface {
	IsOnline(ctx context.Context) bool
	DefaultIP(ctx context.Context) (net.IP, error)
}

// DeviceManager creates/configures/removes the tunnel network interface.
type DeviceManager interface {
	Create(name string, address net.IP, netmask net.IP) error
	Configure(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// RouteManager applies and reverts policy routes: the default route
// override, split-tunnel subnets, and the keepalive bypass rule that
// routes UDP/18234 through the tunnel table regardless of the default
// route.
type RouteManager interface {
	SetupDefaultRoute(ctx context.Context, dev string, gateway net.IP) error
	RemoveDefaultRoute(ctx context.Context, gateway net.IP) error
	AddRoutes(ctx context.Context, subnets []*net.IPNet, dev string, via net.IP, ignore []*net.IPNet) error
	SetupKeepaliveRoute(ctx context.Context, dev string, gateway net.IP, port uint16) error
	RemoveKeepaliveRoute(ctx context.Context, gateway net.IP, port uint16) error
}

// MachineID returns a stable per-host identifier used as the control
// channel's device id.
type MachineID interface {
	Get(ctx context.Context) (string, error)
}
