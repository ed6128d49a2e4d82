package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/apperrors"
)

func TestResolveGatewayIPv4AcceptsLiteralAddress(t *testing.T) {
	ip, err := resolveGatewayIPv4("203.0.113.10")

	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", ip.String())
}

func TestResolveGatewayIPv4RejectsLiteralIPv6(t *testing.T) {
	_, err := resolveGatewayIPv4("2001:db8::1")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.NoIPv4ForServer("2001:db8::1"))
}

func TestResolveGatewayIPv4FailsOnUnresolvableName(t *testing.T) {
	_, err := resolveGatewayIPv4("this-host-does-not-resolve.invalid")

	require.Error(t, err)
}
