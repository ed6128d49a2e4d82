package tunnel

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"backend/internal/apperrors"
	"backend/internal/logger"
	"backend/internal/platform"
)

const (
	keepaliveInterval      = 20 * time.Second
	keepaliveRetryInterval = 5 * time.Second
	keepaliveTimeout       = 5 * time.Second
	keepaliveMaxRetries    = 5
)

// keepalivePacketType/Dir/Kind are the fixed header fields of the 84-byte
// vendor keepalive datagram, reverse-engineered from capture (see
// makeKeepalivePacket).
const (
	keepalivePacketType = 0x00000011
	keepaliveDirRequest = 0x0001
	keepaliveDirReply   = 0x0002
	keepaliveKindTime   = 0x0002
	keepalivePacketLen  = 84
)

// makeKeepalivePacket builds one outbound keepalive datagram: a 4-byte
// packet type, 2-byte direction, 2-byte content kind, an 8-byte
// millisecond timestamp, and 68 bytes of padding, matching the size and
// layout the gateway expects.
func makeKeepalivePacket(now time.Time) []byte {
	buf := make([]byte, keepalivePacketLen)
	binary.BigEndian.PutUint32(buf[0:4], keepalivePacketType)
	binary.BigEndian.PutUint16(buf[4:6], keepaliveDirRequest)
	binary.BigEndian.PutUint16(buf[6:8], keepaliveKindTime)
	binary.BigEndian.PutUint64(buf[8:16], uint64(now.UnixMilli()))
	return buf
}

// KeepaliveRunner sends the vendor UDP/18234 keepalive to the gateway on
// an interval, routed through the tunnel device by the platform's
// keepalive route rule, so the gateway's NAT/session binding
// never idles out even when no user traffic is flowing.
type KeepaliveRunner struct {
	gateway  net.IP
	socket   platform.UdpSocketExt
	network  platform.NetworkInterface
	onFailed func()
}

// NewKeepaliveRunner builds a runner bound to an already-connected
// ESP-in-UDP-free socket (SetNoCheck(true), since the gateway doesn't set
// the UDP checksum correctly on its replies) and the keepalive bypass
// route already installed by the caller via platform.RouteManager.
func NewKeepaliveRunner(gateway net.IP, socket platform.UdpSocketExt, network platform.NetworkInterface, onFailed func()) *KeepaliveRunner {
	return &KeepaliveRunner{gateway: gateway, socket: socket, network: network, onFailed: onFailed}
}

// Run sends keepalives until ctx is cancelled or keepaliveMaxRetries
// consecutive attempts fail, at which point onFailed is invoked (the
// connector treats this as a dead tunnel and tears down/reconnects).
func (r *KeepaliveRunner) Run(ctx context.Context) error {
	failures := 0

	for {
		if r.network == nil || r.network.IsOnline(ctx) {
			packet := makeKeepalivePacket(time.Now())
			reply, err := r.socket.SendReceive(ctx, packet, keepaliveTimeout)
			if err != nil {
				failures++
				logger.L().Warn("tunnel: keepalive failed",
					zap.String("gateway", r.gateway.String()), zap.Int("failures", failures), zap.Error(err))
				if failures >= keepaliveMaxRetries {
					if r.onFailed != nil {
						r.onFailed()
					}
					return apperrors.KeepaliveFailed(err)
				}
			} else {
				failures = 0
				logger.L().Debug("tunnel: keepalive ok",
					zap.String("gateway", r.gateway.String()), zap.Int("reply_len", len(reply)))
			}
		} else {
			failures = 0
		}

		interval := keepaliveInterval
		if failures > 0 {
			interval = keepaliveRetryInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// keepaliveReplyDir reports whether data looks like a reply to our
// keepalive (as opposed to an unrelated datagram arriving on the same
// socket), used by tests and the UDP transport's demultiplexer.
func keepaliveReplyDir(data []byte) (uint16, bool) {
	if len(data) < 8 {
		return 0, false
	}
	if binary.BigEndian.Uint32(data[0:4]) != keepalivePacketType {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[4:6]), true
}
