package linux

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// RouteManager applies the split-tunnel/default-route policy and the
// keepalive bypass rule via netlink route/rule manipulation, mirroring
// the original connector's `ip route`/`ip rule` shell-outs.
type RouteManager struct{}

// NewRouteManager builds a RouteManager; it is stateless, all state lives
// in the kernel routing tables it manipulates.
func NewRouteManager() *RouteManager { return &RouteManager{} }

func linkByName(dev string) (netlink.Link, error) {
	link, err := netlink.LinkByName(dev)
	if err != nil {
		return nil, fmt.Errorf("routing: lookup device %s: %w", dev, err)
	}
	return link, nil
}

// SetupDefaultRoute replaces the default route with one through dev,
// excluding the gateway's own address (so the TCP/UDP session to the
// gateway itself doesn't loop through the tunnel).
func (r *RouteManager) SetupDefaultRoute(ctx context.Context, dev string, gateway net.IP) error {
	link, err := linkByName(dev)
	if err != nil {
		return err
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       nil, // default
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("routing: replace default route via %s: %w", dev, err)
	}
	return nil
}

// RemoveDefaultRoute reverts SetupDefaultRoute by deleting the
// tunnel-device default route (the previous default reappears once the
// device itself is deleted).
func (r *RouteManager) RemoveDefaultRoute(ctx context.Context, gateway net.IP) error {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("routing: list routes: %w", err)
	}
	for _, rt := range routes {
		if rt.Dst == nil && rt.Gw == nil {
			_ = netlink.RouteDel(&rt)
		}
	}
	return nil
}

// AddRoutes installs each subnet not in ignore as a route through dev.
func (r *RouteManager) AddRoutes(ctx context.Context, subnets []*net.IPNet, dev string, via net.IP, ignore []*net.IPNet) error {
	link, err := linkByName(dev)
	if err != nil {
		return err
	}
	for _, subnet := range subnets {
		if contains(ignore, subnet) {
			continue
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: subnet}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("routing: add route %s via %s: %w", subnet, dev, err)
		}
	}
	return nil
}

func contains(nets []*net.IPNet, target *net.IPNet) bool {
	for _, n := range nets {
		if n.String() == target.String() {
			return true
		}
	}
	return false
}

const keepaliveRuleTable = 18234

// SetupKeepaliveRoute installs a policy rule routing the vendor keepalive
// UDP traffic through a dedicated table bound to dev, so it reaches the
// gateway through the tunnel even when a split-tunnel policy would
// otherwise send it out the default interface.
func (r *RouteManager) SetupKeepaliveRoute(ctx context.Context, dev string, gateway net.IP, port uint16) error {
	link, err := linkByName(dev)
	if err != nil {
		return err
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: &net.IPNet{IP: gateway, Mask: net.CIDRMask(32, 32)}, Table: keepaliveRuleTable}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("routing: add keepalive route: %w", err)
	}

	rule := netlink.NewRule()
	rule.Dst = &net.IPNet{IP: gateway, Mask: net.CIDRMask(32, 32)}
	rule.IPProto = 17 // UDP
	rule.Dport = &netlink.RulePortRange{Start: port, End: port}
	rule.Table = keepaliveRuleTable
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("routing: add keepalive rule: %w", err)
	}
	return nil
}

// RemoveKeepaliveRoute reverts SetupKeepaliveRoute.
func (r *RouteManager) RemoveKeepaliveRoute(ctx context.Context, gateway net.IP, port uint16) error {
	rule := netlink.NewRule()
	rule.Dst = &net.IPNet{IP: gateway, Mask: net.CIDRMask(32, 32)}
	rule.IPProto = 17
	rule.Dport = &netlink.RulePortRange{Start: port, End: port}
	rule.Table = keepaliveRuleTable
	return netlink.RuleDel(rule)
}
