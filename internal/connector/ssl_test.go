package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/ccc"
	"backend/internal/model"
)

func strPtr(s string) *string { return &s }

func TestApplyAuthResponseWithActiveKeyMarksAuthenticated(t *testing.T) {
	c := &sslConnector{ready: make(chan *model.VpnSession, 1)}
	session := model.EmptyVpnSession()
	resp := &ccc.AuthResponse{ActiveKey: strPtr("ABCDEF01"), SessionID: strPtr("sess-1")}

	out, err := c.applyAuthResponse(session, resp)

	require.NoError(t, err)
	assert.Equal(t, model.SessionStateAuthenticated, out.State.Kind)
	assert.Equal(t, "ABCDEF01", out.State.ActiveKey)
	assert.Equal(t, "sess-1", out.CCCSessionID)

	select {
	case ready := <-c.ready:
		assert.Same(t, out, ready)
	default:
		t.Fatal("expected applyAuthResponse to signal readiness")
	}
}

func TestApplyAuthResponseDoneWithoutKeyFails(t *testing.T) {
	c := &sslConnector{ready: make(chan *model.VpnSession, 1)}
	session := model.EmptyVpnSession()
	resp := &ccc.AuthResponse{AuthnStatus: "done"}

	_, err := c.applyAuthResponse(session, resp)

	require.Error(t, err)
}

func TestApplyAuthResponseEmptyStatusReportsErrorMessage(t *testing.T) {
	c := &sslConnector{ready: make(chan *model.VpnSession, 1)}
	session := model.EmptyVpnSession()
	resp := &ccc.AuthResponse{ErrorMessage: strPtr("bad credentials")}

	_, err := c.applyAuthResponse(session, resp)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestApplyAuthResponseChallengeStatusReturnsPendingChallenge(t *testing.T) {
	c := &sslConnector{ready: make(chan *model.VpnSession, 1)}
	session := model.EmptyVpnSession()
	prompt := ccc.Scramble([]byte("Enter your one-time code:"))
	resp := &ccc.AuthResponse{AuthnStatus: "CPSC_PWD", Prompt: &prompt}

	out, err := c.applyAuthResponse(session, resp)

	require.NoError(t, err)
	assert.Equal(t, model.SessionStatePendingChallenge, out.State.Kind)
	require.NotNil(t, out.State.Challenge)
	assert.Equal(t, "Enter your one-time code:", out.State.Challenge.Prompt)

	select {
	case <-c.ready:
		t.Fatal("a pending challenge must not signal readiness")
	default:
	}
}

func TestApplyAuthResponseChallengeStatusWithoutPromptFails(t *testing.T) {
	c := &sslConnector{ready: make(chan *model.VpnSession, 1)}
	session := model.EmptyVpnSession()
	resp := &ccc.AuthResponse{AuthnStatus: "CPSC_PWD"}

	_, err := c.applyAuthResponse(session, resp)

	require.Error(t, err)
}

func TestSignalReadyDoesNotBlockWhenChannelIsFull(t *testing.T) {
	c := &sslConnector{ready: make(chan *model.VpnSession, 1)}
	first := model.EmptyVpnSession()
	second := model.EmptyVpnSession()

	c.signalReady(first)
	c.signalReady(second) // must not block even though the channel is already full

	got := <-c.ready
	assert.Same(t, first, got)
}
