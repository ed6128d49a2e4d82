package tunnel

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"backend/internal/platform"
)

// natTProbeTimeout bounds how long the connector waits for a UDP/NAT-T
// probe reply before concluding the path is blocked and falling back to
// TCPT.
const natTProbeTimeout = 3 * time.Second

// natTProbeAttempts bounds how many probe datagrams ProbeNatT sends
// before giving up; a single dropped UDP packet shouldn't be enough to
// downgrade the whole connection to TCPT.
const natTProbeAttempts = 3

// natTProbePacket is a minimal non-ESP marker datagram; any reply at all
// (even an ICMP-triggered error surfaced as a read failure) tells the
// caller whether the path is usable, so the payload contents don't need
// to mean anything to the gateway.
var natTProbePacket = []byte{0xff, 0x00, 0x00, 0x00}

// ProbeNatT reports whether socket's UDP/NAT-T path to the gateway is
// currently usable, retrying the probe datagram up to natTProbeAttempts
// times with a short backoff before concluding the path is blocked. The
// connector calls this once before phase 1 begins to choose between the
// UDP and TCPT data-plane variants.
func ProbeNatT(ctx context.Context, socket platform.UdpSocketExt) bool {
	ctx, cancel := context.WithTimeout(ctx, natTProbeTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), natTProbeAttempts-1), ctx)

	err := backoff.Retry(func() error {
		_, err := socket.SendReceive(ctx, natTProbePacket, natTProbeTimeout)
		return err
	}, policy)
	return err == nil
}
