package linux

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// DefaultInterface reports the host's current connectivity by inspecting
// the kernel's default route table.
type DefaultInterface struct{}

// NewDefaultInterface builds the adapter.
func NewDefaultInterface() *DefaultInterface { return &DefaultInterface{} }

// IsOnline reports whether an IPv4 default route currently exists.
func (DefaultInterface) IsOnline(ctx context.Context) bool {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return false
	}
	for _, r := range routes {
		if r.Dst == nil {
			return true
		}
	}
	return false
}

// DefaultIP returns the source address the kernel would use to reach the
// internet, derived from the default route's preferred source.
func (DefaultInterface) DefaultIP(ctx context.Context) (net.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("network: list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst == nil && r.Src != nil {
			return r.Src, nil
		}
	}
	return nil, fmt.Errorf("network: no default route with a preferred source")
}
