package connector

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"backend/internal/apperrors"
	"backend/internal/logger"
	"backend/internal/model"
	"backend/internal/platform"
	"backend/internal/tunnel"
)

// nattPort is the standard ESP-in-UDP NAT-T port both ends encapsulate
// on once a NAT is detected between client and gateway.
const nattPort = 4500

// createTunnel picks the data-plane variant named by
// TunnelParams.TransportType (falling back from UDP/NAT-T to TCPT when
// the NAT-T probe comes back negative) and brings it up: device/XFRM
// install, routing and DNS. Only the native XFRM variant runs the vendor
// keepalive loop; the UDP/NAT-T and TCPT variants run none.
func (c *ipsecConnector) createTunnel(ctx context.Context, session *model.VpnSession) (tunnel.Tunnel, error) {
	ifName := c.params.IfName
	if ifName == "" {
		ifName = model.DefaultIpsecIfName
	}
	c.tunDeviceName = ifName

	switch transport := c.resolveTransport(ctx); transport {
	case model.TransportNativeXfrm:
		return c.createNativeTunnel(ctx, session, ifName)
	case model.TransportTcpt:
		return c.createUserspaceTunnel(ctx, session, ifName, true)
	case model.TransportUdpNatT:
		return c.createUserspaceTunnel(ctx, session, ifName, false)
	default:
		return nil, apperrors.InvalidTransport(transport.String())
	}
}

// resolveTransport downgrades a UDP/NAT-T request to TCPT when the probe
// fails, matching the original connector's runtime fallback; an explicit
// native or TCPT request is never second-guessed.
func (c *ipsecConnector) resolveTransport(ctx context.Context) model.TransportType {
	if c.params.TransportType != model.TransportUdpNatT {
		return c.params.TransportType
	}
	probe, err := c.factory.NewUDPSocket(&net.UDPAddr{IP: c.gatewayAddress, Port: nattPort})
	if err != nil {
		return model.TransportTcpt
	}
	if ok := tunnel.ProbeNatT(ctx, probe); !ok {
		return model.TransportTcpt
	}
	return model.TransportUdpNatT
}

func (c *ipsecConnector) createNativeTunnel(ctx context.Context, session *model.VpnSession, ifName string) (tunnel.Tunnel, error) {
	configurator := c.factory.NewXfrmConfigurator(ifName, c.localAddress, c.gatewayAddress, nattPort, nattPort, session.IpsecSession)
	if err := configurator.Configure(ctx); err != nil {
		return nil, fmt.Errorf("connector: configure native xfrm: %w", err)
	}

	if err := c.applyRoutingAndDNS(ctx, ifName, session); err != nil {
		configurator.Cleanup(ctx)
		return nil, err
	}

	keepalive, err := c.buildKeepalive(ctx, ifName)
	if err != nil {
		configurator.Cleanup(ctx)
		return nil, err
	}
	return tunnel.NewNativeTunnel(configurator, keepalive), nil
}

func (c *ipsecConnector) createUserspaceTunnel(ctx context.Context, session *model.VpnSession, ifName string, useTCPT bool) (tunnel.Tunnel, error) {
	device, err := c.factory.NewTunDevice(ifName, session.IpsecSession.Address, session.IpsecSession.Netmask)
	if err != nil {
		return nil, fmt.Errorf("connector: create tun device: %w", err)
	}

	var dataTransport tunnel.DataTransport
	if useTCPT {
		dataTransport, err = dialTCPTData(ctx, c.gatewayAddress)
	} else {
		dataTransport, _, err = dialUDPControl(ctx, c.gatewayAddress)
	}
	if err != nil {
		_ = device.Close()
		return nil, fmt.Errorf("connector: open data transport: %w", err)
	}

	var t tunnel.Tunnel
	if useTCPT {
		t, err = tunnel.NewUserspaceTCPTTunnel(device, dataTransport, session.IpsecSession)
	} else {
		t, err = tunnel.NewUserspaceUDPTunnel(device, dataTransport, session.IpsecSession)
	}
	if err != nil {
		_ = device.Close()
		_ = dataTransport.Close()
		return nil, err
	}

	if err := c.applyRoutingAndDNS(ctx, ifName, session); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (c *ipsecConnector) applyRoutingAndDNS(ctx context.Context, ifName string, session *model.VpnSession) error {
	var subnets []*net.IPNet
	if !c.params.DefaultRoute && !c.params.NoRouting {
		advertised, err := advertisedSubnets(ctx, c.params, session)
		if err != nil {
			logger.L().Warn("connector: could not fetch advertised subnets, routing on configured subnets only", zap.Error(err))
		} else {
			subnets = advertised
		}
	}
	return applyRoutingAndDNS(ctx, c.factory, c.params, c.gatewayAddress, ifName, session, subnets)
}

// applyRoutingAndDNS wires up default/custom routes, the keepalive
// policy route, and resolver configuration for a freshly-established
// tunnel. Shared by both connector variants since neither routing nor
// DNS depends on which data plane is carrying traffic. advertised holds
// the gateway's split-tunnel ranges (empty when a default route is in
// effect, since those make per-subnet routes moot).
func applyRoutingAndDNS(ctx context.Context, factory Factory, params *model.TunnelParams, gateway net.IP, ifName string, session *model.VpnSession, advertised []*net.IPNet) error {
	routes := factory.RouteManager()
	if params.DefaultRoute && !params.NoRouting {
		if err := routes.SetupDefaultRoute(ctx, ifName, gateway); err != nil {
			return fmt.Errorf("connector: setup default route: %w", err)
		}
	}
	if !params.NoRouting {
		subnets := append(append([]*net.IPNet{}, params.AddRoutes...), advertised...)
		if !params.DefaultRoute {
			if network := innerNetwork(session.IpsecSession.Address, session.IpsecSession.Netmask); network != nil {
				subnets = append(subnets, network)
			}
		}
		subnets = filterContainingGateway(subnets, gateway)
		if len(subnets) > 0 {
			if err := routes.AddRoutes(ctx, subnets, ifName, gateway, params.IgnoreRoutes); err != nil {
				return fmt.Errorf("connector: add routes: %w", err)
			}
		}
	}
	if params.KeepaliveEnabled {
		if err := routes.SetupKeepaliveRoute(ctx, ifName, gateway, model.IpsecKeepalivePort); err != nil {
			return fmt.Errorf("connector: setup keepalive route: %w", err)
		}
	}

	if !params.NoDNS {
		resolver := factory.Resolver(ifName)
		cfg := platform.ResolverConfig{SearchDomains: session.IpsecSession.Domains, DNSServers: session.IpsecSession.DNS}
		if len(params.SearchDomains) > 0 {
			cfg.SearchDomains = params.SearchDomains
		}
		if err := resolver.Configure(ctx, cfg); err != nil {
			return fmt.Errorf("connector: configure dns: %w", err)
		}
	}
	return nil
}

func (c *ipsecConnector) buildKeepalive(ctx context.Context, ifName string) (*tunnel.KeepaliveRunner, error) {
	if !c.params.KeepaliveEnabled {
		return nil, nil
	}
	socket, err := c.factory.NewUDPSocket(&net.UDPAddr{IP: c.gatewayAddress, Port: model.IpsecKeepalivePort})
	if err != nil {
		return nil, fmt.Errorf("connector: open keepalive socket: %w", err)
	}
	if err := socket.SetNoCheck(true); err != nil {
		return nil, err
	}
	return tunnel.NewKeepaliveRunner(c.gatewayAddress, socket, c.factory.Network(), nil), nil
}

// innerNetwork derives the office-mode lease's own subnet from its
// address/netmask pair, so traffic to other leases on the same inner
// network routes through the tunnel even when the gateway doesn't
// separately advertise it. Returns nil for a /32 lease (nothing besides
// the lease address itself to route).
func innerNetwork(address, netmask net.IP) *net.IPNet {
	addr4, mask4 := address.To4(), netmask.To4()
	if addr4 == nil || mask4 == nil {
		return nil
	}
	ones, _ := net.IPMask(mask4).Size()
	if ones >= 32 {
		return nil
	}
	network := addr4.Mask(net.IPMask(mask4))
	return &net.IPNet{IP: network, Mask: net.IPMask(mask4)}
}
