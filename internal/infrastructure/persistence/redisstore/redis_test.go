package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

func TestDecode(t *testing.T) {
	snap := graph.New()
	snap.Nodes = []graph.Element{{ID: "n1", Attrs: map[string]any{"label": "a"}}}
	doc, err := snap.Canonical()
	require.NoError(t, err)
	sum, err := snap.Checksum()
	require.NoError(t, err)

	got, version, err := decode("g1", map[string]string{
		fieldVersion:  "4",
		fieldDocument: string(doc),
		fieldChecksum: sum,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, snap, got)

	_, _, err = decode("g1", map[string]string{fieldVersion: "4", fieldDocument: string(doc), fieldChecksum: "x"})
	assert.ErrorContains(t, err, "checksum mismatch")

	_, _, err = decode("g1", map[string]string{fieldVersion: "four", fieldDocument: string(doc)})
	assert.Error(t, err)
}

// The remaining tests need a live server: REDIS_ADDR=localhost:6379.
func liveClient(t *testing.T) config.Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	return config.Redis{Addr: addr}
}

func TestGraphStore_Live(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, liveClient(t))
	require.NoError(t, err)
	defer client.Close()

	prefix := "test:" + uuid.NewString() + ":"
	store := NewGraphStore(client, prefix, nil)
	defer client.Del(ctx, store.key("g1"))

	_, _, err = store.LoadSnapshot(ctx, "g1")
	assert.ErrorIs(t, err, ports.ErrGraphNotFound)

	snap := graph.New()
	require.NoError(t, store.SaveSnapshot(ctx, "g1", snap, 3))
	require.NoError(t, store.SaveSnapshot(ctx, "g1", snap, 3))
	assert.ErrorIs(t, store.SaveSnapshot(ctx, "g1", snap, 2), ports.ErrStaleVersion)

	_, version, err := store.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
}

func TestLocker_Live(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, liveClient(t))
	require.NoError(t, err)
	defer client.Close()

	locker := NewLocker(client, "test:"+uuid.NewString()+":")
	lease, err := locker.Acquire(ctx, "g1", "a", time.Second)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "g1", "b", time.Second)
	assert.ErrorIs(t, err, ports.ErrLockHeld)

	require.NoError(t, lease.Extend(ctx, time.Second))
	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Extend(ctx, time.Second), ports.ErrLockLost)

	again, err := locker.Acquire(ctx, "g1", "b", time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
