package connector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"net"

	"backend/internal/ccc"
	"backend/internal/model"
)

// defaultRouteSentinel is the NetworkRange.From value the gateway uses to
// mark "route everything" rather than a real advertised subnet.
const defaultRouteSentinel = "0.0.0.1"

// advertisedSubnets opens a short-lived CCC session to fetch the
// office-mode split-tunnel ranges the gateway currently advertises and
// converts them into the minimal set of CIDR blocks covering each range.
// Both the native-XFRM and userspace tunnel variants call this once per
// connection, before routing is applied.
func advertisedSubnets(ctx context.Context, params *model.TunnelParams, session *model.VpnSession) ([]*net.IPNet, error) {
	client, err := ccc.NewClient(params, session)
	if err != nil {
		return nil, fmt.Errorf("connector: open client-settings session: %w", err)
	}
	settings, err := client.GetClientSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("connector: fetch client settings: %w", err)
	}
	return rangesToSubnets(settings.UpdatedPolicies.Range.Settings), nil
}

// rangesToSubnets converts the gateway's inclusive from/to address ranges
// into CIDR blocks, dropping the default-route placeholder entry.
func rangesToSubnets(ranges []ccc.NetworkRange) []*net.IPNet {
	var subnets []*net.IPNet
	for _, r := range ranges {
		if r.From == defaultRouteSentinel {
			continue
		}
		from := net.ParseIP(r.From).To4()
		to := net.ParseIP(r.To).To4()
		if from == nil || to == nil {
			continue
		}
		subnets = append(subnets, rangeToCIDRs(from, to)...)
	}
	return subnets
}

// rangeToCIDRs splits the inclusive IPv4 range [from, to] into the
// minimal set of CIDR blocks that exactly cover it.
func rangeToCIDRs(from, to net.IP) []*net.IPNet {
	start := binary.BigEndian.Uint32(from)
	end := binary.BigEndian.Uint32(to)

	var blocks []*net.IPNet
	for start <= end {
		maxSize := 32 - bits.TrailingZeros32(start)
		if start == 0 {
			maxSize = 0
		}
		span := uint64(end) - uint64(start) + 1
		sizeForSpan := 32 - bitLen(span)
		if sizeForSpan > maxSize {
			maxSize = sizeForSpan
		}

		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, start)
		blocks = append(blocks, &net.IPNet{IP: ip, Mask: net.CIDRMask(maxSize, 32)})

		blockSize := uint64(1) << (32 - maxSize)
		next := uint64(start) + blockSize
		if next > uint64(end)+1 {
			break
		}
		start = uint32(next)
		if next > 0xFFFFFFFF {
			break
		}
	}
	return blocks
}

// bitLen returns floor(log2(n)), the exponent of the largest power of two
// not exceeding n, i.e. the prefix length reduction the largest block
// that fits in a span of n addresses allows.
func bitLen(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n) - 1
}

// filterContainingGateway drops any subnet whose range includes gateway,
// so the host route installed for the gateway itself is never shadowed
// by a broader advertised or configured route.
func filterContainingGateway(subnets []*net.IPNet, gateway net.IP) []*net.IPNet {
	filtered := subnets[:0:0]
	for _, s := range subnets {
		if s.Contains(gateway) {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered
}
