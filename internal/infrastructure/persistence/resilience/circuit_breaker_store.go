// Package resilience wraps the graph store in a circuit breaker so a store
// outage fails snapshot saves fast instead of tying up every session's
// bridge in timeouts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// ErrCircuitOpen is returned without calling the store while the breaker
// is open or probing.
var ErrCircuitOpen = errors.New("graph store circuit open")

// CircuitBreakerStore decorates a GraphStore with a breaker.
type CircuitBreakerStore struct {
	inner  ports.GraphStore
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewCircuitBreakerStore wraps inner. The breaker trips after
// ConsecutiveFailures failed calls and probes again after Timeout.
func NewCircuitBreakerStore(inner ports.GraphStore, cfg config.CircuitBreaker, logger *zap.Logger) *CircuitBreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store-breaker")

	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	s := &CircuitBreakerStore{inner: inner, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: isSuccessful,
	})
	return s
}

// Answers that prove the store is reachable do not count against it.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, ports.ErrGraphNotFound) ||
		errors.Is(err, ports.ErrStaleVersion) ||
		errors.Is(err, context.Canceled)
}

// State reports the breaker state.
func (s *CircuitBreakerStore) State() gobreaker.State { return s.cb.State() }

type loaded struct {
	snap    *graph.Snapshot
	version int64
}

func (s *CircuitBreakerStore) LoadSnapshot(ctx context.Context, graphID string) (*graph.Snapshot, int64, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		snap, version, err := s.inner.LoadSnapshot(ctx, graphID)
		return loaded{snap: snap, version: version}, err
	})
	if err != nil {
		return nil, 0, s.translate(err)
	}
	l := res.(loaded)
	return l.snap, l.version, nil
}

func (s *CircuitBreakerStore) SaveSnapshot(ctx context.Context, graphID string, snap *graph.Snapshot, version int64) error {
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.SaveSnapshot(ctx, graphID, snap, version)
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Debug("Store save failed",
			zap.String("graphID", graphID),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
	}
	return s.translate(err)
}

func (s *CircuitBreakerStore) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}
