// Package tcpt implements the vendor TCP-tunnel framing used as a
// firewall-friendly fallback when UDP/NAT-T is unreachable: a short
// handshake on TCP/443 that tags the stream as carrying either IKE
// control traffic or ESP data, followed by a length-prefixed codec that
// frames each subsequent packet.
package tcpt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// DataType selects which payload kind a TCPT stream carries, set once at
// handshake time and fixed for the stream's lifetime.
type DataType uint8

const (
	DataTypeIke DataType = 1
	DataTypeEsp DataType = 2
)

const (
	magic        = "SNXT"
	maxFrameSize = 1 << 20
)

// Handshake writes the vendor tag and reads back the gateway's single-byte
// acknowledgement, after which conn carries length-prefixed frames of the
// requested DataType.
func Handshake(ctx context.Context, conn net.Conn, dataType DataType) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}

	hello := append([]byte(magic), byte(dataType))
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("tcpt: send handshake: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("tcpt: read handshake ack: %w", err)
	}
	if ack[0] != byte(dataType) {
		return fmt.Errorf("tcpt: gateway rejected data type %d (ack=%d)", dataType, ack[0])
	}
	return nil
}

// Transport frames packets over a TCP connection with a 4-byte
// big-endian length prefix, implementing isakmp.Transport (for IKE
// control traffic) and the packet-level Send/Receive contract the ESP
// tunnel variant uses for data traffic.
type Transport struct {
	conn net.Conn
}

// NewTransport wraps an already-handshaken connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// Dial connects to addr, performs the vendor handshake for dataType, and
// returns a ready-to-use Transport.
func Dial(ctx context.Context, addr string, dataType DataType) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpt: dial %s: %w", addr, err)
	}
	if err := Handshake(ctx, conn, dataType); err != nil {
		conn.Close()
		return nil, err
	}
	return NewTransport(conn), nil
}

// Send writes one length-prefixed frame.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("tcpt: frame too large: %d bytes", len(data))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := t.conn.Write(header); err != nil {
		return fmt.Errorf("tcpt: write frame header: %w", err)
	}
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("tcpt: write frame body: %w", err)
	}
	return nil
}

// Receive reads one length-prefixed frame.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	header := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, fmt.Errorf("tcpt: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxFrameSize {
		return nil, fmt.Errorf("tcpt: frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, fmt.Errorf("tcpt: read frame body: %w", err)
	}
	return body, nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}
