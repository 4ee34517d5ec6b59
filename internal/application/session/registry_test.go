package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/ports/portstest"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

type recordingLease struct {
	mu       sync.Mutex
	released bool
}

func (l *recordingLease) Key() string { return "g1" }

func (l *recordingLease) Extend(context.Context, time.Duration) error { return nil }

func (l *recordingLease) Release(context.Context) error {
	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
	return nil
}

func (l *recordingLease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type stubLocker struct {
	err    error
	leases []*recordingLease
}

func (s *stubLocker) Acquire(context.Context, string, string, time.Duration) (ports.Lease, error) {
	if s.err != nil {
		return nil, s.err
	}
	l := &recordingLease{}
	s.leases = append(s.leases, l)
	return l, nil
}

type brokenStore struct{ *portstest.Store }

func (brokenStore) LoadSnapshot(context.Context, string) (*graph.Snapshot, int64, error) {
	return nil, 0, errors.New("connection refused")
}

func newTestRegistry(t *testing.T, settings Settings, deps Deps) *Registry {
	t.Helper()
	if deps.Store == nil {
		store := portstest.NewStore()
		store.Put("g1", seedGraph(), 7)
		deps.Store = store
	}
	deps.Logger = zap.NewNop()
	reg := NewRegistry(deps, settings, "test")
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

func TestRegistry_ConcurrentOpensShareSession(t *testing.T) {
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{})

	const n = 16
	got := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.Open(context.Background(), "g1", "alice")
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, reg.Len())

	found, err := reg.Get(got[0].ID())
	require.NoError(t, err)
	assert.Same(t, got[0], found)
	byGraph, ok := reg.ForGraph("g1")
	require.True(t, ok)
	assert.Same(t, got[0], byGraph)
}

func TestRegistry_MissingGraphOpensEmpty(t *testing.T) {
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{})

	s, err := reg.Open(context.Background(), "fresh", "alice")
	require.NoError(t, err)
	snap, version, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Edges)
}

func TestRegistry_Errors(t *testing.T) {
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{})

	_, err := reg.Open(context.Background(), "", "alice")
	assert.Equal(t, apperrors.CodeValidationFailed.String(), apperrors.CodeOf(err))

	_, err = reg.Get("nope")
	assert.Equal(t, apperrors.CodeSessionNotFound.String(), apperrors.CodeOf(err))
}

func TestRegistry_ServerFull(t *testing.T) {
	settings := testSettings(operation.ModeOperationalTransform)
	settings.MaxSessions = 1
	reg := newTestRegistry(t, settings, Deps{})

	_, err := reg.Open(context.Background(), "g1", "alice")
	require.NoError(t, err)
	_, err = reg.Open(context.Background(), "g2", "alice")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeServerFull.String(), apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))

	// The graph already open still resolves.
	_, err = reg.Open(context.Background(), "g1", "bob")
	assert.NoError(t, err)
}

func TestRegistry_LeaseHeldElsewhere(t *testing.T) {
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{
		Locker: &stubLocker{err: ports.ErrLockHeld},
	})

	_, err := reg.Open(context.Background(), "g1", "alice")
	require.Error(t, err)
	ue := apperrors.As(err)
	assert.Equal(t, apperrors.CodeLockHeld.String(), ue.Code)
	assert.Equal(t, apperrors.ErrorTypeConflict, ue.Type)
	assert.Zero(t, reg.Len())
}

func TestRegistry_LoadFailureReleasesLease(t *testing.T) {
	locker := &stubLocker{}
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{
		Store:  &brokenStore{Store: portstest.NewStore()},
		Locker: locker,
	})

	_, err := reg.Open(context.Background(), "g1", "alice")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePersistenceFailed.String(), apperrors.CodeOf(err))
	require.Len(t, locker.leases, 1)
	assert.True(t, locker.leases[0].Released())
}

func TestRegistry_EndedSessionIsReplacedOnOpen(t *testing.T) {
	locker := &stubLocker{}
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{Locker: locker})

	first, err := reg.Open(context.Background(), "g1", "alice")
	require.NoError(t, err)
	_, err = first.Join(context.Background(), Identity{UserID: "alice"}, portstest.NewConn("a"))
	require.NoError(t, err)
	_, err = first.Submit(context.Background(), "alice", fieldUpdate("a1", "ca", "n1", "label", "Saved", 7))
	require.NoError(t, err)
	require.NoError(t, first.End(context.Background(), "alice"))
	assert.True(t, locker.leases[0].Released())

	second, err := reg.Open(context.Background(), "g1", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, "bob", second.OwnerID())

	_, version, err := second.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), version, "the new session starts from the flushed snapshot")
}

func TestRegistry_ShutdownFlushesEverySession(t *testing.T) {
	store := portstest.NewStore()
	store.Put("g1", seedGraph(), 7)
	store.Put("g2", seedGraph(), 3)
	reg := NewRegistry(Deps{Store: store, Logger: zap.NewNop()}, testSettings(operation.ModeOperationalTransform), "test")

	for graphID, base := range map[string]int64{"g1": 7, "g2": 3} {
		s, err := reg.Open(context.Background(), graphID, "alice")
		require.NoError(t, err)
		_, err = s.Join(context.Background(), Identity{UserID: "alice"}, portstest.NewConn(graphID))
		require.NoError(t, err)
		out, err := s.Submit(context.Background(), "alice", fieldUpdate("op-"+graphID, "ca", "n1", "label", "x", base))
		require.NoError(t, err)
		require.Equal(t, operation.StatusApplied, out.Status)
	}
	require.Len(t, reg.List(), 2)

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.Zero(t, reg.Len())
	assert.Equal(t, int64(8), store.Version("g1"))
	assert.Equal(t, int64(4), store.Version("g2"))

	_, err := reg.Open(context.Background(), "g1", "alice")
	assert.Equal(t, apperrors.CodeSessionClosed.String(), apperrors.CodeOf(err))
}

func TestRegistry_UpdateSettingsAppliesToNewSessions(t *testing.T) {
	reg := newTestRegistry(t, testSettings(operation.ModeOperationalTransform), Deps{})

	first, err := reg.Open(context.Background(), "g1", "alice")
	require.NoError(t, err)

	updated := reg.Settings()
	updated.ConflictMode = operation.ModeLastWriteWins
	reg.UpdateSettings(updated)

	second, err := reg.Open(context.Background(), "g2", "alice")
	require.NoError(t, err)

	firstInfo, err := first.Info(context.Background())
	require.NoError(t, err)
	secondInfo, err := second.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, operation.ModeOperationalTransform, firstInfo.ConflictMode)
	assert.Equal(t, operation.ModeLastWriteWins, secondInfo.ConflictMode)
}
