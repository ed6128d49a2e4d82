package connector

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/ccc"
)

func TestRangeToCIDRsCoversExactRange(t *testing.T) {
	from := net.ParseIP("10.0.0.0").To4()
	to := net.ParseIP("10.0.0.255").To4()

	blocks := rangeToCIDRs(from, to)
	require.Len(t, blocks, 1)
	assert.Equal(t, "10.0.0.0/24", blocks[0].String())
}

func TestRangeToCIDRsSplitsUnalignedRange(t *testing.T) {
	from := net.ParseIP("10.0.0.5").To4()
	to := net.ParseIP("10.0.0.10").To4()

	blocks := rangeToCIDRs(from, to)
	require.NotEmpty(t, blocks)

	for _, b := range blocks {
		ones, bits := b.Mask.Size()
		assert.LessOrEqual(t, ones, bits)
	}

	first := net.ParseIP("10.0.0.5")
	last := net.ParseIP("10.0.0.10")
	assert.True(t, blocks[0].Contains(first))
	assert.True(t, blocks[len(blocks)-1].Contains(last))
}

func TestRangesToSubnetsSkipsDefaultRouteSentinel(t *testing.T) {
	ranges := []ccc.NetworkRange{
		{From: "0.0.0.1", To: "255.255.255.254"},
		{From: "192.168.1.0", To: "192.168.1.255"},
	}
	subnets := rangesToSubnets(ranges)
	require.Len(t, subnets, 1)
	assert.Equal(t, "192.168.1.0/24", subnets[0].String())
}

func TestFilterContainingGatewayExcludesMatchingSubnet(t *testing.T) {
	_, subnetA, _ := net.ParseCIDR("10.0.0.0/24")
	_, subnetB, _ := net.ParseCIDR("192.168.1.0/24")
	gateway := net.ParseIP("10.0.0.1")

	filtered := filterContainingGateway([]*net.IPNet{subnetA, subnetB}, gateway)
	require.Len(t, filtered, 1)
	assert.Equal(t, subnetB, filtered[0])
}

func TestInnerNetworkReturnsLeaseSubnet(t *testing.T) {
	address := net.ParseIP("10.10.0.5")
	netmask := net.ParseIP("255.255.255.0")

	network := innerNetwork(address, netmask)
	require.NotNil(t, network)
	assert.Equal(t, "10.10.0.0/24", network.String())
}

func TestInnerNetworkReturnsNilForHostLease(t *testing.T) {
	address := net.ParseIP("10.10.0.5")
	netmask := net.ParseIP("255.255.255.255")

	assert.Nil(t, innerNetwork(address, netmask))
}
