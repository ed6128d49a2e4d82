package tcpt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestHandshakeSucceedsOnMatchingDataType(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 5)
		if _, err := server.Read(buf); err != nil {
			done <- err
			return
		}
		_, err := server.Write([]byte{buf[4]})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, Handshake(ctx, client, DataTypeEsp))
	require.NoError(t, <-done)
}

func TestSendReceiveFrame(t *testing.T) {
	client, server := pipePair(t)
	a := NewTransport(client)
	b := NewTransport(server)

	ctx := context.Background()
	go func() {
		_ = a.Send(ctx, []byte("hello tcpt"))
	}()

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello tcpt", string(got))
}
