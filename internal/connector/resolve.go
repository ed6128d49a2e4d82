package connector

import (
	"fmt"
	"net"

	"backend/internal/apperrors"
)

// resolveGatewayIPv4 looks up serverName and returns its first IPv4
// address; the IKE/ESP data plane has no IPv6 story in this connector.
func resolveGatewayIPv4(serverName string) (net.IP, error) {
	if ip := net.ParseIP(serverName); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, apperrors.NoIPv4ForServer(serverName)
	}

	addrs, err := net.LookupIP(serverName)
	if err != nil {
		return nil, fmt.Errorf("connector: resolve %s: %w", serverName, err)
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, apperrors.NoIPv4ForServer(serverName)
}
