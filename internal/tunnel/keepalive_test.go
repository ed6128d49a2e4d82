package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeKeepalivePacketShapeAndTimestamp(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	packet := makeKeepalivePacket(now)

	require.Len(t, packet, keepalivePacketLen)
	dir, ok := keepaliveReplyDir(packet)
	require.True(t, ok)
	assert.Equal(t, uint16(keepaliveDirRequest), dir)
}

func TestKeepaliveReplyDirRejectsUnrelatedDatagram(t *testing.T) {
	_, ok := keepaliveReplyDir([]byte{1, 2, 3})
	assert.False(t, ok)

	garbage := make([]byte, keepalivePacketLen)
	_, ok = keepaliveReplyDir(garbage)
	assert.False(t, ok)
}
