// Package linux provides the Linux platform.* implementations: kernel XFRM
// state/policy for the native ESP transport, UDP socket options for
// ESP-in-UDP, systemd-resolved DNS configuration, and tun/xfrm device
// management, all via github.com/vishvananda/netlink rather than shelling
// out to the `ip` binary.
package linux

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backend/internal/logger"
	"backend/internal/model"
)

const xfrmIfID = 0xca11

// XfrmConfigurator implements platform.IpsecConfigurator by driving
// kernel XFRM state and policy directly, offloading ESP encrypt/decrypt
// to the kernel instead of a user-space codec.
type XfrmConfigurator struct {
	ifName     string
	localAddr  net.IP
	remoteAddr net.IP
	srcPort    int
	dstPort    int
	session    *model.IpsecSession
	link       netlink.Link
}

// NewXfrmConfigurator builds a configurator for one negotiated IPsec
// session. srcPort/dstPort are the NAT-T UDP ports used for
// ESP-in-UDP encapsulation.
func NewXfrmConfigurator(ifName string, localAddr, remoteAddr net.IP, srcPort, dstPort int, session *model.IpsecSession) *XfrmConfigurator {
	return &XfrmConfigurator{
		ifName: ifName, localAddr: localAddr, remoteAddr: remoteAddr,
		srcPort: srcPort, dstPort: dstPort, session: session,
	}
}

// Configure creates the xfrm link, assigns the leased address, and
// installs the initial inbound/outbound SAs and policies.
func (c *XfrmConfigurator) Configure(ctx context.Context) error {
	if err := c.createLink(); err != nil {
		return err
	}
	if err := c.installStates(); err != nil {
		return err
	}
	return c.installPolicies()
}

func (c *XfrmConfigurator) createLink() error {
	_ = netlink.LinkDel(&netlink.Xfrmi{LinkAttrs: netlink.LinkAttrs{Name: c.ifName}})

	xfrmi := &netlink.Xfrmi{
		LinkAttrs: netlink.LinkAttrs{Name: c.ifName},
		Ifid:      xfrmIfID,
	}
	if err := netlink.LinkAdd(xfrmi); err != nil {
		return fmt.Errorf("xfrm: add link %s: %w", c.ifName, err)
	}
	c.link = xfrmi

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: c.session.Address, Mask: net.IPMask(c.session.Netmask)}}
	if err := netlink.AddrAdd(xfrmi, addr); err != nil {
		return fmt.Errorf("xfrm: assign address on %s: %w", c.ifName, err)
	}
	if err := netlink.LinkSetUp(xfrmi); err != nil {
		return fmt.Errorf("xfrm: bring up %s: %w", c.ifName, err)
	}
	return nil
}

func authAlgoName(hmacName string) string {
	switch hmacName {
	case "hmac-sha256", "hmac-sha256-128":
		return "hmac(sha256)"
	default:
		return "hmac(sha1)"
	}
}

func (c *XfrmConfigurator) stateFor(src, dst net.IP, material *model.EspCryptMaterial) *netlink.XfrmState {
	truncBits := material.HmacTruncBits
	if truncBits == 0 {
		truncBits = len(material.SkAi) * 8
	}
	return &netlink.XfrmState{
		Src:   src,
		Dst:   dst,
		Proto: netlink.XFRM_PROTO_ESP,
		Mode:  netlink.XFRM_MODE_TUNNEL,
		Spi:   int(material.Spi),
		Ifid:  xfrmIfID,
		Auth: &netlink.XfrmStateAlgo{
			Name:        authAlgoName(material.HmacName),
			Key:         material.SkAi,
			TruncateLen: truncBits,
		},
		Crypt: &netlink.XfrmStateAlgo{
			Name: "cbc(aes)",
			Key:  material.SkEi,
		},
		Encap: &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: c.srcPort,
			DstPort: c.dstPort,
		},
	}
}

func (c *XfrmConfigurator) installStates() error {
	in := c.stateFor(c.remoteAddr, c.localAddr, c.session.EspIn)
	out := c.stateFor(c.localAddr, c.remoteAddr, c.session.EspOut)
	if err := netlink.XfrmStateAdd(in); err != nil {
		return fmt.Errorf("xfrm: add inbound state: %w", err)
	}
	if err := netlink.XfrmStateAdd(out); err != nil {
		return fmt.Errorf("xfrm: add outbound state: %w", err)
	}
	return nil
}

func (c *XfrmConfigurator) policyFor(dir netlink.Dir, src, dst net.IP) *netlink.XfrmPolicy {
	return &netlink.XfrmPolicy{
		Src:  &net.IPNet{IP: src, Mask: net.CIDRMask(32, 32)},
		Dst:  &net.IPNet{IP: dst, Mask: net.CIDRMask(32, 32)},
		Dir:  dir,
		Ifid: xfrmIfID,
		Tmpls: []netlink.XfrmPolicyTmpl{{
			Src:   src,
			Dst:   dst,
			Proto: netlink.XFRM_PROTO_ESP,
			Mode:  netlink.XFRM_MODE_TUNNEL,
		}},
	}
}

func (c *XfrmConfigurator) installPolicies() error {
	policies := []*netlink.XfrmPolicy{
		c.policyFor(netlink.XFRM_DIR_IN, c.remoteAddr, c.localAddr),
		c.policyFor(netlink.XFRM_DIR_OUT, c.localAddr, c.remoteAddr),
	}
	for _, p := range policies {
		if err := netlink.XfrmPolicyAdd(p); err != nil {
			return fmt.Errorf("xfrm: add policy dir=%v: %w", p.Dir, err)
		}
	}
	return nil
}

// Rekey installs the new inbound state alongside the old one and
// atomically replaces the outbound state. Rekey does not remove the old
// inbound state; it stays installed.
func (c *XfrmConfigurator) Rekey(ctx context.Context, session *model.IpsecSession) error {
	var g errgroup.Group
	g.Go(func() error {
		return netlink.XfrmStateAdd(c.stateFor(c.remoteAddr, c.localAddr, session.EspIn))
	})
	g.Go(func() error {
		newOut := c.stateFor(c.localAddr, c.remoteAddr, session.EspOut)
		if err := netlink.XfrmStateAdd(newOut); err != nil {
			return err
		}
		return netlink.XfrmStateDel(c.stateFor(c.localAddr, c.remoteAddr, c.session.EspOut))
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("xfrm: rekey: %w", err)
	}
	c.session = session
	return nil
}

// Cleanup removes the installed states, policies, and the xfrm link.
func (c *XfrmConfigurator) Cleanup(ctx context.Context) {
	if c.session != nil {
		_ = netlink.XfrmStateDel(c.stateFor(c.remoteAddr, c.localAddr, c.session.EspIn))
		_ = netlink.XfrmStateDel(c.stateFor(c.localAddr, c.remoteAddr, c.session.EspOut))
		_ = netlink.XfrmPolicyDel(c.policyFor(netlink.XFRM_DIR_IN, c.remoteAddr, c.localAddr))
		_ = netlink.XfrmPolicyDel(c.policyFor(netlink.XFRM_DIR_OUT, c.localAddr, c.remoteAddr))
	}
	if c.link != nil {
		if err := netlink.LinkDel(c.link); err != nil {
			logger.L().Warn("xfrm: failed to delete link", zap.String("if", c.ifName), zap.Error(err))
		}
	}
}
