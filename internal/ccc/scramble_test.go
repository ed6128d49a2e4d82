package ccc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrambleUnscrambleRoundTrip(t *testing.T) {
	input := "my-secret-username"

	scrambled := Scramble([]byte(input))
	assert.NotEqual(t, input, scrambled)

	back, err := Unscramble(scrambled)
	require.NoError(t, err)
	assert.Equal(t, input, string(back))
}

func TestScrambleIsDeterministic(t *testing.T) {
	a := Scramble([]byte("hello"))
	b := Scramble([]byte("hello"))
	assert.Equal(t, a, b)
}

func TestNewRequestIDMonotonic(t *testing.T) {
	first := newRequestID()
	second := newRequestID()
	assert.Equal(t, first+1, second)
	assert.GreaterOrEqual(t, first, uint32(2))
}
