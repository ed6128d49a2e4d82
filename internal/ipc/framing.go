// Package ipc implements the local control-socket protocol between the
// background connector service and its CLI/tray clients: a length-
// delimited JSON frame codec over a Unix domain socket, carrying the
// Connect/Disconnect/GetStatus/ChallengeCode command set.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// MaxPacketSize bounds a single frame, matching the control protocol's
// JSON payloads (a TunnelParams plus a handful of small enums never
// approaches this).
const MaxPacketSize = 1_000_000

// SocketName is the default Unix domain socket name, created under the
// user's runtime directory (see internal/config.RuntimeDir).
const SocketName = "control.sock"

// Conn frames arbitrary JSON values over a net.Conn with a 4-byte
// big-endian length prefix per message.
type Conn struct {
	conn net.Conn
}

// NewConn wraps an already-established connection.
func NewConn(conn net.Conn) *Conn { return &Conn{conn: conn} }

// Send JSON-encodes v and writes it as one length-prefixed frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(body) > MaxPacketSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(body))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// Receive reads one length-prefixed frame and JSON-decodes it into v.
func (c *Conn) Receive(ctx context.Context, v any) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return fmt.Errorf("ipc: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > MaxPacketSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return fmt.Errorf("ipc: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }
