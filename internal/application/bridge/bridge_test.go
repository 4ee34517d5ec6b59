package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/ports/portstest"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

var errUnavailable = errors.New("store unavailable")

func fastRetry(tries uint) config.Retry {
	return config.Retry{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
		MaxTries:        tries,
	}
}

func newBridge(t *testing.T, store ports.GraphStore, retry config.Retry) *Bridge {
	t.Helper()
	return New(store, Options{
		SessionID: "s1",
		GraphID:   "g1",
		Interval:  time.Hour,
		Retry:     retry,
	}, 0, zaptest.NewLogger(t), nil)
}

func source(snap *graph.Snapshot, version int64) Source {
	return func(context.Context) (*graph.Snapshot, int64, error) {
		return snap, version, nil
	}
}

func TestFlush_RetriesTransientFailures(t *testing.T) {
	store := portstest.NewStore()
	store.FailNext(errUnavailable, errUnavailable)
	b := newBridge(t, store, fastRetry(5))

	require.NoError(t, b.Flush(context.Background(), graph.New(), 3))
	assert.Equal(t, 3, store.Attempts())
	assert.Equal(t, int64(3), store.Version("g1"))
	assert.Equal(t, int64(3), b.LastSaved())
	assert.False(t, b.Degraded())
}

func TestFlush_SkipsAlreadySavedVersion(t *testing.T) {
	store := portstest.NewStore()
	b := New(store, Options{GraphID: "g1", Retry: fastRetry(1)}, 4, nil, nil)

	require.NoError(t, b.Flush(context.Background(), graph.New(), 4))
	assert.Zero(t, store.Attempts())
}

func TestFlush_StaleVersionIsNotRetried(t *testing.T) {
	store := portstest.NewStore()
	store.Put("g1", graph.New(), 10)
	b := newBridge(t, store, fastRetry(5))

	err := b.Flush(context.Background(), graph.New(), 7)
	require.ErrorIs(t, err, ports.ErrStaleVersion)
	assert.Equal(t, 1, store.Attempts())
	assert.True(t, b.Degraded())
}

func TestDegradedAndRecovered(t *testing.T) {
	store := portstest.NewStore()
	store.FailNext(errUnavailable, errUnavailable, errUnavailable, errUnavailable)
	b := newBridge(t, store, fastRetry(2))

	var mu sync.Mutex
	var transitions []Status
	b.OnStateChange(func(s Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	b.source = source(graph.New(), 5)
	b.Tick(context.Background())

	st := b.Status()
	assert.True(t, st.Degraded)
	assert.Equal(t, int64(0), st.LastSavedVersion)
	assert.Contains(t, st.LastError, "store unavailable")
	assert.False(t, st.Since.IsZero())

	// A second failing tick does not announce again.
	b.Tick(context.Background())
	require.Len(t, transitions, 1)

	b.Tick(context.Background())
	assert.False(t, b.Degraded())
	assert.Equal(t, int64(5), b.LastSaved())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Degraded)
	assert.False(t, transitions[1].Degraded)
	assert.Equal(t, int64(5), transitions[1].LastSavedVersion)
}

func TestTick_SkipsUnchangedVersion(t *testing.T) {
	store := portstest.NewStore()
	b := newBridge(t, store, fastRetry(1))
	b.source = source(graph.New(), 2)

	b.Tick(context.Background())
	b.Tick(context.Background())
	assert.Equal(t, 1, store.Attempts())
}

type fakeLease struct {
	mu      sync.Mutex
	extends int
	err     error
}

func (l *fakeLease) Key() string { return "g1" }

func (l *fakeLease) Extend(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return l.err
}

func (l *fakeLease) Release(context.Context) error { return nil }

func TestTick_LostLeaseStopsSaving(t *testing.T) {
	store := portstest.NewStore()
	lease := &fakeLease{err: ports.ErrLockLost}
	b := New(store, Options{GraphID: "g1", Lease: lease, LeaseTTL: time.Minute, Retry: fastRetry(1)}, 0, nil, nil)
	b.source = source(graph.New(), 1)

	var lost error
	b.OnLeaseLost(func(err error) { lost = err })
	b.Tick(context.Background())

	assert.ErrorIs(t, lost, ports.ErrLockLost)
	assert.Zero(t, store.Attempts())
}

func TestStartStop(t *testing.T) {
	store := portstest.NewStore()
	lease := &fakeLease{}
	b := New(store, Options{
		GraphID:  "g1",
		Interval: 5 * time.Millisecond,
		Lease:    lease,
		LeaseTTL: time.Minute,
		Retry:    fastRetry(1),
	}, 0, nil, nil)
	b.Start(source(graph.New(), 1))

	require.Eventually(t, func() bool { return store.Saves() == 1 }, time.Second, time.Millisecond)
	b.Stop()
	b.Stop()

	lease.mu.Lock()
	defer lease.mu.Unlock()
	assert.Positive(t, lease.extends)
}
