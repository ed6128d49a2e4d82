package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/actor"
	"backend/internal/model"
)

func startTestServer(t *testing.T, connectFn ConnectFunc) (*actor.Actor, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := actor.Start(ctx)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sockPath, a, connectFn)

	ready := make(chan struct{})
	go func() {
		go func() { close(ready) }()
		_ = srv.ListenAndServe(ctx)
	}()
	<-ready
	require.Eventually(t, func() bool {
		c, err := Dial(context.Background(), sockPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return a, sockPath
}

func TestServerGetStatusDefaultsDisconnected(t *testing.T) {
	_, sockPath := startTestServer(t, func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		return nil
	})

	client, err := Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnectedValue(), status)
}

func TestServerConnectInvokesConnectFunc(t *testing.T) {
	invoked := make(chan *model.TunnelParams, 1)
	_, sockPath := startTestServer(t, func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		invoked <- params
		return a.SetStatus(ctx, model.StatusConnectedValue(&model.ConnectionInfo{ServerName: params.ServerName}))
	})

	client, err := Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.Connect(context.Background(), &model.TunnelParams{ServerName: "vpn.example.com"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, status.Kind)
	assert.Equal(t, "vpn.example.com", status.Connected.ServerName)

	select {
	case params := <-invoked:
		assert.Equal(t, "vpn.example.com", params.ServerName)
	case <-time.After(time.Second):
		t.Fatal("connect func was not invoked")
	}
}

func TestServerConnectFailurePropagatesError(t *testing.T) {
	_, sockPath := startTestServer(t, func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		return assertError{"authentication failed"}
	})

	client, err := Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Connect(context.Background(), &model.TunnelParams{ServerName: "vpn.example.com"})
	assert.ErrorContains(t, err, "authentication failed")
}

func TestServerRejectsConcurrentConnect(t *testing.T) {
	block := make(chan struct{})
	_, sockPath := startTestServer(t, func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		_ = a.SetStatus(ctx, model.StatusConnectingValue())
		<-block
		return nil
	})

	client, err := Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	go client.Connect(context.Background(), &model.TunnelParams{ServerName: "a"}) //nolint:errcheck

	require.Eventually(t, func() bool {
		second, err := Dial(context.Background(), sockPath)
		if err != nil {
			return false
		}
		defer second.Close()
		status, err := second.GetStatus(context.Background())
		return err == nil && status.Kind == model.StatusConnecting
	}, time.Second, 10*time.Millisecond)

	second, err := Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Connect(context.Background(), &model.TunnelParams{ServerName: "b"})
	assert.Error(t, err)

	close(block)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
