// Package tunnel drives the IPsec data plane once a connector has
// finished phase 1/2 negotiation: it owns the tun/xfrm network device,
// the transport (native kernel XFRM, user-space UDP/NAT-T, or TCPT
// fallback over TCP/443), and the keepalive loop that keeps the
// gateway's NAT binding alive for the life of the session.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"backend/internal/esp"
	"backend/internal/logger"
	"backend/internal/model"
	"backend/internal/platform"
)

// Tunnel drives one data-plane variant until ctx is cancelled or an
// unrecoverable transport error occurs.
type Tunnel interface {
	Run(ctx context.Context) error
	Close() error
}

// Rekeyer is implemented by tunnel variants that can install a freshly
// negotiated pair of ESP SAs without tearing the tunnel down. The
// connector type-asserts for this after a successful quick-mode
// renegotiation; a variant that doesn't implement it simply can't be
// rekeyed in place (SSLTunnel is the one variant without Rekey).
type Rekeyer interface {
	Rekey(ctx context.Context, session *model.IpsecSession) error
}

// DataTransport is the packet-level contract the user-space variants
// (UDP/NAT-T and TCPT) need from their underlying connection: whole ESP
// datagrams in, whole ESP datagrams out.
type DataTransport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Device is the tun network interface the user-space variants read
// cleartext inner packets from and write decrypted inner packets to.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// espNextHeader is the IP protocol number carried in the ESP trailer for
// the tunnel-mode IPv4-in-IPv4 inner packets this connector exchanges.
const espNextHeaderIPIP = 4

// userspaceTunnel is the shared pump for the UDP and TCPT variants: read
// a cleartext packet off the tun device, ESP-encrypt it, send it over
// the transport; read an ESP datagram off the transport, decrypt it,
// write it to the tun device. Native XFRM needs none of this because the
// kernel does the encrypt/decrypt/route itself.
type userspaceTunnel struct {
	name      string
	device    Device
	transport DataTransport
	codec     *esp.Codec
}

func newUserspaceTunnel(name string, device Device, transport DataTransport, codec *esp.Codec) *userspaceTunnel {
	return &userspaceTunnel{name: name, device: device, transport: transport, codec: codec}
}

func (t *userspaceTunnel) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- t.pumpDeviceToTransport(ctx) }()
	go func() { errCh <- t.pumpTransportToDevice(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (t *userspaceTunnel) pumpDeviceToTransport(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := t.device.Read(buf)
		if err != nil {
			return fmt.Errorf("tunnel[%s]: read device: %w", t.name, err)
		}
		packet, err := t.codec.Encrypt(buf[:n], espNextHeaderIPIP)
		if err != nil {
			logger.L().Warn("tunnel: drop outbound packet", zap.String("tunnel", t.name), zap.Error(err))
			continue
		}
		if err := t.transport.Send(ctx, packet); err != nil {
			return fmt.Errorf("tunnel[%s]: send: %w", t.name, err)
		}
	}
}

func (t *userspaceTunnel) pumpTransportToDevice(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		packet, err := t.transport.Receive(ctx)
		if err != nil {
			return fmt.Errorf("tunnel[%s]: receive: %w", t.name, err)
		}
		payload, _, err := t.codec.Decrypt(packet)
		if err != nil {
			logger.L().Warn("tunnel: drop inbound packet", zap.String("tunnel", t.name), zap.Error(err))
			continue
		}
		if _, err := t.device.Write(payload); err != nil {
			return fmt.Errorf("tunnel[%s]: write device: %w", t.name, err)
		}
	}
}

// Rekey installs a freshly negotiated pair of ESP SAs into the running
// codec: new outbound traffic uses the new key immediately, and inbound
// traffic accepts either key until the caller calls DropOldInbound.
func (t *userspaceTunnel) Rekey(ctx context.Context, session *model.IpsecSession) error {
	return t.codec.Rekey(*session.EspIn, *session.EspOut)
}

// DropOldInbound ends the overlap window opened by Rekey: from now on only
// the newest inbound key is accepted.
func (t *userspaceTunnel) DropOldInbound() {
	t.codec.DropOldInbound()
}

func (t *userspaceTunnel) Close() error {
	transportErr := t.transport.Close()
	deviceErr := t.device.Close()
	if transportErr != nil {
		return transportErr
	}
	return deviceErr
}

// NativeTunnel drives the kernel-offloaded XFRM variant: once the
// configurator has installed states/policies, the kernel encrypts and
// routes every packet and the tunnel's job is limited to running the
// keepalive loop (if enabled) and keeping the session alive until ctx is
// cancelled.
type NativeTunnel struct {
	configurator platform.IpsecConfigurator
	keepalive    *KeepaliveRunner
	ready        chan struct{}
}

// NewNativeTunnel builds a native-XFRM tunnel. Configure must be called
// on configurator (by the connector, before Run) so routes/DNS are
// already applied when Run starts. keepalive may be nil when the profile
// disables the vendor keepalive.
func NewNativeTunnel(configurator platform.IpsecConfigurator, keepalive *KeepaliveRunner) *NativeTunnel {
	return &NativeTunnel{configurator: configurator, keepalive: keepalive, ready: make(chan struct{})}
}

func (t *NativeTunnel) Run(ctx context.Context) error {
	close(t.ready)
	if t.keepalive == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return t.keepalive.Run(ctx)
}

// Rekey delegates to the configurator, which swaps the kernel XFRM
// states/policies to the new SPIs without a traffic gap.
func (t *NativeTunnel) Rekey(ctx context.Context, session *model.IpsecSession) error {
	return t.configurator.Rekey(ctx, session)
}

func (t *NativeTunnel) Close() error {
	t.configurator.Cleanup(context.Background())
	return nil
}

// NewUserspaceUDPTunnel builds the UDP/NAT-T user-space variant: ESP
// datagrams travel as-is over an ESP-in-UDP encapsulated socket.
func NewUserspaceUDPTunnel(device Device, transport DataTransport, session *model.IpsecSession) (Tunnel, error) {
	codec, err := esp.NewCodec(*session.EspIn, *session.EspOut)
	if err != nil {
		return nil, fmt.Errorf("tunnel: build esp codec: %w", err)
	}
	return newUserspaceTunnel("udp", device, transport, codec), nil
}

// NewUserspaceTCPTTunnel builds the TCPT fallback variant: the same ESP
// codec, but framed datagrams travel over a length-prefixed TCP/443
// stream instead of a UDP socket.
func NewUserspaceTCPTTunnel(device Device, transport DataTransport, session *model.IpsecSession) (Tunnel, error) {
	codec, err := esp.NewCodec(*session.EspIn, *session.EspOut)
	if err != nil {
		return nil, fmt.Errorf("tunnel: build esp codec: %w", err)
	}
	return newUserspaceTunnel("tcpt", device, transport, codec), nil
}

// rekeyTimer returns a timer that fires leeway before lifetime elapses
// (or at lifetime when leeway is not shorter than it). The connector
// does not use it; it schedules its own rekey timer.
func rekeyTimer(lifetime time.Duration, leeway time.Duration) *time.Timer {
	d := lifetime - leeway
	if d <= 0 {
		d = lifetime
	}
	return time.NewTimer(d)
}
