package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/apperrors"
	"backend/internal/model"
)

func TestBuildAuthBlobEncodesCredentials(t *testing.T) {
	params := &model.TunnelParams{ClientMode: "SYMC", UserName: "alice", Password: "s3cr3t"}

	blob := buildAuthBlob(params)

	assert.Contains(t, blob, "SYMC")
	assert.Contains(t, blob, "alice")
	assert.Contains(t, blob, "s3cr3t")
	assert.Contains(t, blob, "msg_obj")
}

func TestDecodeChallengeAttrParsesPrompt(t *testing.T) {
	attr := append([]byte("ignored log line"), 0)
	attr = append(attr, []byte(`(msg_obj
	:authentication_state (challenge)
	:arguments (
		: (:val (msg_obj
			:id (CPSC_PWD)
			:def_msg ("Enter your one-time code:")
		))
	)
)`)...)

	challenge, err := decodeChallengeAttr(attr)

	require.NoError(t, err)
	assert.Equal(t, "Enter your one-time code:", challenge.Prompt)
	assert.Equal(t, model.MfaPasswordInput, challenge.Type)
}

func TestDecodeChallengeAttrRecognizesMobileAccessMarker(t *testing.T) {
	attr := append([]byte("ignored log line"), 0)
	attr = append(attr, []byte(`(msg_obj
	:authentication_state (challenge)
	:arguments (
		: (:val (msg_obj
			:id (mobile_access_otp)
			:def_msg ("Enter the code from your mobile access app:")
		))
	)
)`)...)

	challenge, err := decodeChallengeAttr(attr)

	require.NoError(t, err)
	assert.Equal(t, model.MfaMobileAccess, challenge.Type)
}

func TestDecodeChallengeAttrRejectsNonChallengeState(t *testing.T) {
	attr := append([]byte("log line"), 0)
	attr = append(attr, []byte(`(msg_obj :authentication_state (done))`)...)

	_, err := decodeChallengeAttr(attr)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.NotChallengeState())
}

func TestDecodeChallengeAttrRequiresNullSeparator(t *testing.T) {
	_, err := decodeChallengeAttr([]byte("no null byte here"))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.NoChallengePrompt())
}

func TestDecodeChallengeAttrRejectsMalformedSexpr(t *testing.T) {
	attr := append([]byte("log"), 0)
	attr = append(attr, []byte("not an sexpr at all (")...)

	_, err := decodeChallengeAttr(attr)

	require.Error(t, err)
}
