package linux

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/vishvananda/netlink"

	"backend/internal/config"
)

// TunDevice manages a tun (SSL/UDP/TCPT variants) or xfrm (native
// variant) network interface. For the user-space data-plane variants the
// kernel hands back the backing file descriptor at creation time
// (netlink.Tuntap's non-persistent mode), which Read/Write use directly
// instead of shelling out to a packet-capture helper.
type TunDevice struct {
	name string
	fd   *os.File
}

// NewTunDevice creates a tun interface and assigns the leased address.
func NewTunDevice(name string, address net.IP, netmask net.IP) (*TunDevice, error) {
	link := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_DEFAULTS,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return nil, fmt.Errorf("device: create tun %s: %w", name, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: address, Mask: net.IPMask(netmask)}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		_ = netlink.LinkDel(link)
		return nil, fmt.Errorf("device: assign address on %s: %w", name, err)
	}

	dev := &TunDevice{name: name}
	if len(link.Fds) > 0 {
		dev.fd = link.Fds[0]
	}
	return dev, nil
}

// Name returns the device's interface name.
func (d *TunDevice) Name() string { return d.name }

// Read reads one packet from the tun device into buf.
func (d *TunDevice) Read(buf []byte) (int, error) {
	if d.fd == nil {
		return 0, fmt.Errorf("device: %s has no backing file descriptor", d.name)
	}
	return d.fd.Read(buf)
}

// Write writes one packet to the tun device.
func (d *TunDevice) Write(buf []byte) (int, error) {
	if d.fd == nil {
		return 0, fmt.Errorf("device: %s has no backing file descriptor", d.name)
	}
	return d.fd.Write(buf)
}

// Configure brings the device up and, matching the original's use of a
// sysctl shell-out, disables reverse-path filtering so asymmetric tunnel
// routing doesn't get silently dropped.
func (d *TunDevice) Configure(ctx context.Context) error {
	link, err := linkByName(d.name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("device: bring up %s: %w", d.name, err)
	}

	cmd := exec.CommandContext(ctx, "sysctl", "-qw", fmt.Sprintf("net.ipv4.conf.%s.rp_filter=0", d.name))
	cmd.Env = config.ShellEnv()
	return cmd.Run()
}

// Close releases the backing file descriptor, if any.
func (d *TunDevice) Close() error {
	if d.fd == nil {
		return nil
	}
	return d.fd.Close()
}

// Delete removes the device.
func Delete(ctx context.Context, name string) error {
	link, err := linkByName(name)
	if err != nil {
		return nil // already gone
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("device: delete %s: %w", name, err)
	}
	return nil
}
