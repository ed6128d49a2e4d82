package connector

import (
	"bytes"
	"fmt"
	"strings"

	"backend/internal/apperrors"
	"backend/internal/model"
	"backend/internal/sexpr"
)

// buildAuthBlob encodes the identity-protection payload's authentication
// body: the credentials the gateway's IKE realm checks before it will
// release an office-mode lease.
func buildAuthBlob(params *model.TunnelParams) string {
	return sexpr.Obj("msg_obj", map[string]*sexpr.Expr{
		"client_type": sexpr.Val(params.ClientMode),
		"username":    sexpr.Val(params.UserName),
		"password":    sexpr.Val(params.Password),
	}).Encode()
}

// decodeChallengeAttr parses a Challenge config attribute's payload: a
// null-separated [log message, s-expression] pair. Only "challenge",
// "new_factor", and "failed_attempt" authentication_state values carry a
// further prompt; anything else means the gateway isn't actually asking
// for more input.
func decodeChallengeAttr(attr []byte) (*model.MfaChallenge, error) {
	parts := bytes.SplitN(attr, []byte{0}, 2)
	if len(parts) < 2 {
		return nil, apperrors.NoChallengePrompt()
	}

	expr, err := sexpr.Parse(strings.TrimRight(string(parts[1]), "\x00"))
	if err != nil {
		return nil, fmt.Errorf("connector: parse challenge attribute: %w", err)
	}

	state, ok := expr.GetString("msg_obj:authentication_state")
	if !ok {
		return nil, apperrors.NotChallengeState()
	}
	switch state {
	case "challenge", "new_factor", "failed_attempt":
	default:
		return nil, apperrors.NotChallengeState()
	}

	inner := expr.Get("msg_obj:arguments:0:val")
	if inner == nil {
		return nil, apperrors.NoChallengePrompt()
	}

	id, _ := inner.GetString("msg_obj:id")
	prompt, ok := inner.GetString("msg_obj:def_msg")
	if !ok {
		return nil, apperrors.NoChallengePrompt()
	}

	return &model.MfaChallenge{Type: model.MfaTypeFromID(id), Prompt: prompt}, nil
}
