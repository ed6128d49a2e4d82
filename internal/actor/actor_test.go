package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/model"
)

type fakeConnector struct {
	challengeResult *model.VpnSession
	challengeErr    error
	deleted         bool
	terminated      bool
	lastEvent       TunnelEvent
}

func (f *fakeConnector) ChallengeCode(ctx context.Context, session *model.VpnSession, code string) (*model.VpnSession, error) {
	return f.challengeResult, f.challengeErr
}

func (f *fakeConnector) DeleteSession(ctx context.Context) { f.deleted = true }

func (f *fakeConnector) TerminateTunnel(ctx context.Context, sendDelete bool) error {
	f.terminated = true
	return nil
}

func (f *fakeConnector) HandleTunnelEvent(ctx context.Context, event TunnelEvent) error {
	f.lastEvent = event
	return nil
}

func TestActorGetSetStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	status, err := a.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnectedValue(), status)

	require.NoError(t, a.SetStatus(ctx, model.StatusConnectingValue()))
	status, err = a.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnectingValue(), status)
}

func TestActorChallengeCodeRequiresSessionAndConnector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	_, err := a.ChallengeCode(ctx, "123456")
	assert.Error(t, err)

	require.NoError(t, a.SetSession(ctx, model.EmptyVpnSession()))
	_, err = a.ChallengeCode(ctx, "123456")
	assert.Error(t, err)
}

func TestActorChallengeCodeDelegatesToConnector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	expected := model.EmptyVpnSession()
	expected.CCCSessionID = "resolved"
	fc := &fakeConnector{challengeResult: expected}

	require.NoError(t, a.SetSession(ctx, model.EmptyVpnSession()))
	require.NoError(t, a.SetConnector(ctx, fc))

	session, err := a.ChallengeCode(ctx, "000000")
	require.NoError(t, err)
	assert.Equal(t, "resolved", session.CCCSessionID)
}

func TestActorChallengeCodePropagatesConnectorError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	fc := &fakeConnector{challengeErr: errors.New("bad code")}
	require.NoError(t, a.SetSession(ctx, model.EmptyVpnSession()))
	require.NoError(t, a.SetConnector(ctx, fc))

	_, err := a.ChallengeCode(ctx, "wrong")
	assert.EqualError(t, err, "bad code")
}

func TestActorDisconnectTearsDownConnector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	fc := &fakeConnector{}
	require.NoError(t, a.SetConnector(ctx, fc))
	require.NoError(t, a.SetStatus(ctx, model.StatusConnectedValue(&model.ConnectionInfo{})))

	require.NoError(t, a.Disconnect(ctx))

	assert.True(t, fc.deleted)
	assert.True(t, fc.terminated)

	status, err := a.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnectedValue(), status)
}

func TestActorCancelConnectionInvokesStoredCancelFunc(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	called := make(chan struct{})
	require.NoError(t, a.SetCancelFunc(ctx, func() { close(called) }))
	require.NoError(t, a.CancelConnection(ctx))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("cancel func was not invoked")
	}
}

func TestActorSubscribeReceivesStatusChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	updates, err := a.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetStatus(ctx, model.StatusConnectingValue()))

	select {
	case status := <-updates:
		assert.Equal(t, model.StatusConnectingValue(), status)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe the status change")
	}
}

func TestActorStatusTransitionsAreLinearizable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	const writers = 8
	const writesPer = 50

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writesPer; j++ {
				status := model.StatusConnectingValue()
				require.NoError(t, a.SetStatus(ctx, status))
				_, err := a.GetStatus(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	status, err := a.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnectingValue(), status)
}

func TestActorHandleTunnelEventForwardsToConnector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := Start(ctx)

	fc := &fakeConnector{}
	require.NoError(t, a.SetConnector(ctx, fc))
	require.NoError(t, a.HandleTunnelEvent(ctx, TunnelEvent{Kind: "rekeyed"}))

	assert.Equal(t, "rekeyed", fc.lastEvent.Kind)
}
