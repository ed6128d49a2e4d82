package linux

import (
	"context"
	"fmt"
	"net"

	"backend/internal/model"
	"backend/internal/platform"
	"backend/internal/tunnel"
)

// Factory builds every Linux-specific adapter the connector package's
// Factory interface names. It is constructed once per service process
// and handed to connector.New; nothing in internal/connector imports
// this package directly, so the two stay decoupled at the type level.
type Factory struct{}

// NewFactory returns the Linux platform adapter set.
func NewFactory() *Factory {
	return &Factory{}
}

// NewTunDevice creates and brings up a tun interface sized for the
// given office-mode lease.
func (f *Factory) NewTunDevice(name string, address, netmask net.IP) (tunnel.Device, error) {
	dev, err := NewTunDevice(name, address, netmask)
	if err != nil {
		return nil, err
	}
	if err := dev.Configure(context.Background()); err != nil {
		_ = dev.Close()
		_ = Delete(context.Background(), name)
		return nil, fmt.Errorf("factory: configure tun device %s: %w", name, err)
	}
	return dev, nil
}

// DeleteDevice removes a tun or xfrm interface by name, ignoring
// "already gone" the same way Delete itself does.
func (f *Factory) DeleteDevice(ctx context.Context, name string) error {
	return Delete(ctx, name)
}

// NewUDPSocket opens a UDP socket pre-connected to peer, used for both
// the ESP/NAT-T data path and the keepalive probe.
func (f *Factory) NewUDPSocket(peer *net.UDPAddr) (platform.UdpSocketExt, error) {
	return NewUDPSocket(peer)
}

// NewXfrmConfigurator builds the native-transport IPsec state manager;
// its Configure creates the backing xfrm link itself.
func (f *Factory) NewXfrmConfigurator(ifName string, localAddr, remoteAddr net.IP, srcPort, dstPort int, session *model.IpsecSession) platform.IpsecConfigurator {
	return NewXfrmConfigurator(ifName, localAddr, remoteAddr, srcPort, dstPort, session)
}

// Resolver builds the systemd-resolved adapter for the named interface.
func (f *Factory) Resolver(ifName string) platform.ResolverConfigurator {
	return NewResolver(ifName)
}

// RouteManager builds the policy-routing adapter.
func (f *Factory) RouteManager() platform.RouteManager {
	return NewRouteManager()
}

// Network builds the default-route/connectivity adapter.
func (f *Factory) Network() platform.NetworkInterface {
	return NewDefaultInterface()
}

// MachineID builds the per-host identifier adapter.
func (f *Factory) MachineID() platform.MachineID {
	return NewMachineID()
}
