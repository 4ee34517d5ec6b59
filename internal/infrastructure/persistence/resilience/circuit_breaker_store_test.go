package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/ports/portstest"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

func TestCircuitBreakerStore_TripsAndRecovers(t *testing.T) {
	inner := portstest.NewStore()
	down := errors.New("connection refused")
	inner.FailNext(down, down)

	s := NewCircuitBreakerStore(inner, config.CircuitBreaker{
		MaxRequests:         1,
		Timeout:             30 * time.Millisecond,
		ConsecutiveFailures: 2,
	}, nil)
	ctx := context.Background()
	snap := graph.New()

	assert.ErrorIs(t, s.SaveSnapshot(ctx, "g1", snap, 1), down)
	assert.ErrorIs(t, s.SaveSnapshot(ctx, "g1", snap, 1), down)
	assert.Equal(t, gobreaker.StateOpen, s.State())

	err := s.SaveSnapshot(ctx, "g1", snap, 1)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.Attempts(), "an open breaker does not reach the store")

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.SaveSnapshot(ctx, "g1", snap, 1))
	assert.Equal(t, gobreaker.StateClosed, s.State())
	assert.Equal(t, int64(1), inner.Version("g1"))
}

func TestCircuitBreakerStore_DomainAnswersDoNotTrip(t *testing.T) {
	inner := portstest.NewStore()
	inner.Put("g1", graph.New(), 5)
	s := NewCircuitBreakerStore(inner, config.CircuitBreaker{ConsecutiveFailures: 1, Timeout: time.Minute}, nil)
	ctx := context.Background()

	_, _, err := s.LoadSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrGraphNotFound)
	assert.ErrorIs(t, s.SaveSnapshot(ctx, "g1", graph.New(), 4), ports.ErrStaleVersion)
	assert.Equal(t, gobreaker.StateClosed, s.State())

	snap, version, err := s.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
	assert.NotNil(t, snap)
}
