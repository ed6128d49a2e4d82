// Package connector drives the two login/tunnel-bringup state machines
// this client supports: the IKEv1 office-mode connector (phase 1/2
// negotiation, MFA over ISAKMP attributes, ESP rekeying) and the thin
// SSL/CCC connector (HTTP auth, TLS record-layer tunnel). Both satisfy
// actor.Connector, so the actor and IPC server never need to know which
// one is driving a session.
package connector

import (
	"context"
	"net"
	"time"

	"backend/internal/actor"
	"backend/internal/model"
	"backend/internal/persistence"
	"backend/internal/platform"
	"backend/internal/tunnel"
)

// Connector is the full surface the service's connect path drives a
// login/tunnel session through. actor.Connector is the narrow slice the
// state actor itself calls back into (answering a challenge, tearing the
// tunnel down); Connector additionally exposes the entry points the
// service's ConnectFunc needs: Authenticate/RestoreSession to start a
// session, and Run to drive it from "authenticated" through tunnel
// bring-up, the rekey loop, and teardown.
//
// Run blocks until the session reaches a terminal state (ctx cancelled,
// or an unrecoverable transport/rekey error), so ConnectFunc always
// invokes it in its own goroutine; it waits internally for a pending MFA
// challenge to resolve before it has anything to bring up.
type Connector interface {
	actor.Connector
	Authenticate(ctx context.Context) (*model.VpnSession, error)
	RestoreSession(ctx context.Context) (*model.VpnSession, error)
	Run(ctx context.Context, a *actor.Actor) error
}

// Factory builds the host-specific adapters a Connector needs. It is
// satisfied structurally (no import of internal/platform/linux here) by
// a concrete aggregator the cmd package constructs once at startup, the
// same provider-by-capability shape as the platform package itself.
type Factory interface {
	NewTunDevice(name string, address, netmask net.IP) (tunnel.Device, error)
	DeleteDevice(ctx context.Context, name string) error
	NewUDPSocket(peer *net.UDPAddr) (platform.UdpSocketExt, error)
	NewXfrmConfigurator(ifName string, localAddr, remoteAddr net.IP, srcPort, dstPort int, session *model.IpsecSession) platform.IpsecConfigurator
	Resolver(ifName string) platform.ResolverConfigurator
	RouteManager() platform.RouteManager
	Network() platform.NetworkInterface
	MachineID() platform.MachineID
}

// Deps bundles the collaborators every connector variant needs, shared
// across New's constructor switch.
type Deps struct {
	Params  *model.TunnelParams
	Factory Factory
	Store   *persistence.Store
}

// New builds the connector variant named by params.TunnelType.
func New(deps Deps) Connector {
	switch deps.Params.TunnelType {
	case model.TunnelTypeSsl:
		return newSslConnector(deps)
	default:
		return newIpsecConnector(deps)
	}
}

// rekeyLeeway is how far ahead of the negotiated ESP lifetime the
// connector fires a fresh quick-mode exchange.
const rekeyLeeway = 60 * time.Second
