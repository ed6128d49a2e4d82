package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/actor"
	"backend/internal/ipc"
	"backend/internal/model"
)

func startService(t *testing.T, connectFn ipc.ConnectFunc) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := actor.Start(ctx)
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	srv := ipc.NewServer(sockPath, a, connectFn)
	go srv.ListenAndServe(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		c, err := ipc.Dial(context.Background(), sockPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return sockPath
}

func TestControllerConnectRequiresServerName(t *testing.T) {
	sockPath := startService(t, func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		return a.SetStatus(ctx, model.StatusConnectedValue(&model.ConnectionInfo{}))
	})

	client, err := ipc.Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	ctl := New(client, &model.TunnelParams{LoginType: "std"}, nil)
	_, err = ctl.Run(context.Background(), CommandConnect)
	assert.ErrorContains(t, err, "server-name")
}

// stubConnector resolves a pending challenge by authenticating the
// session; the resulting tunnel bring-up is out of scope for this test.
type stubConnector struct{}

func (stubConnector) ChallengeCode(ctx context.Context, session *model.VpnSession, code string) (*model.VpnSession, error) {
	session.State = model.SessionState{Kind: model.SessionStateAuthenticated, ActiveKey: "resolved"}
	return session, nil
}
func (stubConnector) DeleteSession(ctx context.Context)                                    {}
func (stubConnector) TerminateTunnel(ctx context.Context, sendDelete bool) error            { return nil }
func (stubConnector) HandleTunnelEvent(ctx context.Context, event actor.TunnelEvent) error { return nil }

func TestControllerConnectPromptsForMfaChallenge(t *testing.T) {
	sockPath := startService(t, func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		session := model.EmptyVpnSession()
		session.State = model.SessionState{Kind: model.SessionStatePendingChallenge, Challenge: &model.MfaChallenge{Type: model.MfaPasswordInput, Prompt: "PIN"}}
		if err := a.SetSession(ctx, session); err != nil {
			return err
		}
		if err := a.SetConnector(ctx, stubConnector{}); err != nil {
			return err
		}
		return a.SetStatus(ctx, model.StatusMfaValue(session.State.Challenge))
	})

	client, err := ipc.Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	var promptedWith string
	prompt := func(mfa *model.MfaChallenge) (string, error) {
		promptedWith = mfa.Prompt
		return "999999", nil
	}

	ctl := New(client, &model.TunnelParams{ServerName: "vpn.example.com", LoginType: "std"}, prompt)
	status, err := ctl.Run(context.Background(), CommandConnect)
	require.NoError(t, err)
	assert.Equal(t, "PIN", promptedWith)
	assert.Equal(t, model.StatusConnecting, status.Kind)
}

func TestControllerStatusReturnsCurrentState(t *testing.T) {
	sockPath := startService(t, nil)

	client, err := ipc.Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer client.Close()

	ctl := New(client, &model.TunnelParams{}, nil)
	status, err := ctl.Run(context.Background(), CommandStatus)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, status.Kind)
}
