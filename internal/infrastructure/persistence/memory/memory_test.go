package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

func TestGraphStore(t *testing.T) {
	ctx := context.Background()
	s := NewGraphStore()

	_, _, err := s.LoadSnapshot(ctx, "g1")
	assert.ErrorIs(t, err, ports.ErrGraphNotFound)

	snap := graph.New()
	snap.Nodes = []graph.Element{{ID: "n1", Attrs: map[string]any{"label": "a"}}}
	require.NoError(t, s.SaveSnapshot(ctx, "g1", snap, 3))

	// The store holds a copy.
	snap.Nodes[0].Attrs["label"] = "changed"
	got, version, err := s.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, "a", got.Nodes[0].Attrs["label"])

	require.NoError(t, s.SaveSnapshot(ctx, "g1", snap, 3), "same version is a no-op")
	assert.ErrorIs(t, s.SaveSnapshot(ctx, "g1", snap, 2), ports.ErrStaleVersion)
	require.NoError(t, s.SaveSnapshot(ctx, "g1", snap, 4))

	got, version, err = s.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, "changed", got.Nodes[0].Attrs["label"])
	assert.Equal(t, 1, s.Len())
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocker()
	l.now = func() time.Time { return now }

	first, err := l.Acquire(ctx, "g1", "a", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "g1", "b", time.Minute)
	assert.ErrorIs(t, err, ports.ErrLockHeld)

	owner, ok := l.Holder("g1")
	require.True(t, ok)
	assert.Equal(t, "a", owner)

	now = now.Add(30 * time.Second)
	require.NoError(t, first.Extend(ctx, time.Minute))

	// Expired leases are taken over, and the old holder cannot touch the new one.
	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "g1", "b", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, first.Extend(ctx, time.Minute), ports.ErrLockLost)
	require.NoError(t, first.Release(ctx))
	owner, _ = l.Holder("g1")
	assert.Equal(t, "b", owner)

	require.NoError(t, second.Release(ctx))
	_, ok = l.Holder("g1")
	assert.False(t, ok)
}
