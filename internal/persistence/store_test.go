package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ike-sessions.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Save(ctx, "profile-1", "vpn.example.com", []byte("blob-v1"), time.Now().Add(time.Hour))
	require.NoError(t, err)

	data, err := store.Load(ctx, "profile-1", "vpn.example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-v1"), data)
}

func TestSaveReplacesPriorSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p", "s", []byte("old"), time.Now().Add(time.Hour)))
	require.NoError(t, store.Save(ctx, "p", "s", []byte("new"), time.Now().Add(time.Hour)))

	data, err := store.Load(ctx, "p", "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestLoadExpiredSessionIsRemoved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p", "s", []byte("stale"), time.Now().Add(-time.Minute)))

	_, err := store.Load(ctx, "p", "s")
	assert.Error(t, err)

	_, err = store.Load(ctx, "p", "s")
	assert.Error(t, err)
}

func TestLoadMissingSessionErrors(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load(context.Background(), "nobody", "nowhere")
	assert.Error(t, err)
}

func TestDeleteRemovesSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "p", "s", []byte("data"), time.Now().Add(time.Hour)))
	require.NoError(t, store.Delete(ctx, "p", "s"))

	_, err := store.Load(ctx, "p", "s")
	assert.Error(t, err)
}
