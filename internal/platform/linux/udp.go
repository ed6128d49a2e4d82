package linux

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"backend/internal/apperrors"
	"backend/internal/platform"
)

// UDPSocket wraps a *net.UDPConn with the raw socket options the NAT-T
// transport needs (ESP-in-UDP encapsulation, disabled checksum
// validation) via golang.org/x/sys/unix setsockopt calls.
type UDPSocket struct {
	conn *net.UDPConn
}

// NewUDPSocket binds an ephemeral UDP socket and connects it to peer, so
// subsequent SendReceive calls don't need to re-specify the destination.
func NewUDPSocket(peer *net.UDPAddr) (*UDPSocket, error) {
	conn, err := net.DialUDP("udp4", nil, peer)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", peer, err)
	}
	return &UDPSocket{conn: conn}, nil
}

// Conn exposes the underlying connection for raw read/write loops.
func (s *UDPSocket) Conn() *net.UDPConn { return s.conn }

func (s *UDPSocket) withRawConn(fn func(fd uintptr) error) error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		opErr = fn(fd)
	}); err != nil {
		return err
	}
	return opErr
}

// SetEncap enables ESP-in-UDP encapsulation (UDP_ENCAP_ESPINUDP) so the
// kernel's XFRM stack strips the UDP header before handing the packet to
// the ESP state machine.
func (s *UDPSocket) SetEncap(encap platform.UdpEncap) error {
	if encap != platform.UdpEncapEspInUdp {
		return fmt.Errorf("udp: unsupported encapsulation mode %v", encap)
	}
	err := s.withRawConn(func(fd uintptr) error {
		return unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP)
	})
	if err != nil {
		return apperrors.UdpEncapFailed(err)
	}
	return nil
}

// SetNoCheck toggles SO_NO_CHECK, which lets the kernel accept inbound
// UDP datagrams with a zero/invalid checksum — some gateways send
// ESP-in-UDP keepalives with the checksum field left unset.
func (s *UDPSocket) SetNoCheck(flag bool) error {
	value := 0
	if flag {
		value = 1
	}
	err := s.withRawConn(func(fd uintptr) error {
		return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NO_CHECK, value)
	})
	if err != nil {
		return apperrors.SoNoCheckFailed(err)
	}
	return nil
}

// SendReceive writes data and waits (bounded by timeout) for one reply
// datagram, used for NAT-T probing and gateway keepalive round trips.
func (s *UDPSocket) SendReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if _, err := s.conn.Write(data); err != nil {
		return nil, fmt.Errorf("udp: send: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("udp: set read deadline: %w", err)
	}
	defer s.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	buf := make([]byte, 65536)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, apperrors.ReceiveFailed(err)
	}
	return buf[:n], nil
}

// Close releases the socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
