// Package bridge persists session snapshots to the graph store. It runs an
// autosave ticker on its own goroutine, retries failed saves with
// exponential backoff and drops into degraded mode when the store stays
// unavailable. Sessions keep accepting edits while degraded.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

var tracer = otel.Tracer("collab/bridge")

// Source returns the live snapshot and its version. It fails once the
// session is gone.
type Source func(ctx context.Context) (*graph.Snapshot, int64, error)

// StateFunc is called on every degraded/recovered transition.
type StateFunc func(Status)

// Options configures a bridge.
type Options struct {
	SessionID string
	GraphID   string
	Interval  time.Duration
	Retry     config.Retry

	// Lease, when set, is extended by LeaseTTL on every tick.
	Lease    ports.Lease
	LeaseTTL time.Duration
}

// Status describes the persistence health of a session.
type Status struct {
	Degraded         bool
	LastSavedVersion int64
	Since            time.Time
	LastError        string
}

// Bridge moves one session's snapshots to durable storage.
type Bridge struct {
	store   ports.GraphStore
	opts    Options
	logger  *zap.Logger
	metrics ports.Metrics

	source      Source
	onState     StateFunc
	onLeaseLost func(error)

	// saveMu serializes autosave and final flush.
	saveMu sync.Mutex

	mu     sync.Mutex
	status Status

	cancel   context.CancelFunc
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a bridge. lastSaved is the version already durable, usually
// the version the session was loaded at.
func New(store ports.GraphStore, opts Options, lastSaved int64, logger *zap.Logger, metrics ports.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Bridge{
		store: store,
		opts:  opts,
		logger: logger.Named("bridge").With(
			zap.String("sessionID", opts.SessionID),
			zap.String("graphID", opts.GraphID),
		),
		metrics: metrics,
		status:  Status{LastSavedVersion: lastSaved},
	}
}

// OnStateChange registers the degraded/recovered callback. Call before Start.
func (b *Bridge) OnStateChange(fn StateFunc) { b.onState = fn }

// OnLeaseLost registers the callback for a lease that could not be
// extended. Call before Start.
func (b *Bridge) OnLeaseLost(fn func(error)) { b.onLeaseLost = fn }

// Start runs the autosave loop against source.
func (b *Bridge) Start(source Source) {
	ctx, cancel := context.WithCancel(context.Background())
	b.source = source
	b.cancel = cancel
	b.doneCh = make(chan struct{})
	go b.run(ctx)
}

// Stop ends the autosave loop, abandoning an in-flight retry, and waits for
// it to return.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			return
		}
		b.cancel()
		<-b.doneCh
	})
}

// Status returns the current persistence health.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Degraded reports whether the last save failed.
func (b *Bridge) Degraded() bool { return b.Status().Degraded }

// LastSaved is the newest version known to be durable.
func (b *Bridge) LastSaved() int64 { return b.Status().LastSavedVersion }

func (b *Bridge) run(ctx context.Context) {
	defer close(b.doneCh)

	interval := b.opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick renews the lease and saves the live snapshot if it moved past the
// last saved version.
func (b *Bridge) Tick(ctx context.Context) {
	if b.opts.Lease != nil {
		if err := b.opts.Lease.Extend(ctx, b.opts.LeaseTTL); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("Failed to extend session lease", zap.Error(err))
			if errors.Is(err, ports.ErrLockLost) && b.onLeaseLost != nil {
				b.onLeaseLost(err)
				return
			}
		}
	}
	if b.source == nil {
		return
	}
	snap, version, err := b.source(ctx)
	if err != nil {
		return
	}
	if version <= b.LastSaved() {
		return
	}
	_ = b.save(ctx, snap, version, "autosave")
}

// Flush saves snap at version, retrying within ctx. It is the final save
// of an ending session and runs even while degraded.
func (b *Bridge) Flush(ctx context.Context, snap *graph.Snapshot, version int64) error {
	if version <= b.LastSaved() {
		return nil
	}
	return b.save(ctx, snap, version, "flush")
}

func (b *Bridge) save(ctx context.Context, snap *graph.Snapshot, version int64, kind string) error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	ctx, span := tracer.Start(ctx, "bridge.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("graph.id", b.opts.GraphID),
		attribute.Int64("graph.version", version),
		attribute.String("save.kind", kind),
	)

	start := time.Now()
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := b.store.SaveSnapshot(ctx, b.opts.GraphID, snap, version)
		if errors.Is(err, ports.ErrStaleVersion) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		b.logger.Warn("Snapshot save failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("nextRetry", next),
		)
	}

	_, err := backoff.Retry(ctx, operation, b.retryOptions(notify)...)
	latency := time.Since(start)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		b.metrics.SnapshotSaved("failure", latency)
		b.markDegraded(err, version)
		return err
	}

	b.metrics.SnapshotSaved("success", latency)
	b.markSaved(version)
	b.logger.Debug("Snapshot saved",
		zap.Int64("version", version),
		zap.String("kind", kind),
		zap.Int("attempts", attempt),
	)
	return nil
}

func (b *Bridge) retryOptions(notify backoff.Notify) []backoff.RetryOption {
	r := b.opts.Retry
	expo := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		expo.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		expo.MaxInterval = r.MaxInterval
	}
	if r.Multiplier >= 1 {
		expo.Multiplier = r.Multiplier
	}
	if r.RandomizationFactor >= 0 {
		expo.RandomizationFactor = r.RandomizationFactor
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(expo), backoff.WithNotify(notify)}
	if r.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(r.MaxTries))
	}
	if r.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.MaxElapsedTime))
	}
	return opts
}

func (b *Bridge) markSaved(version int64) {
	b.mu.Lock()
	if version > b.status.LastSavedVersion {
		b.status.LastSavedVersion = version
	}
	recovered := b.status.Degraded
	b.status.Degraded = false
	b.status.Since = time.Time{}
	b.status.LastError = ""
	st := b.status
	b.mu.Unlock()

	if recovered {
		b.logger.Info("Snapshot persistence recovered", zap.Int64("version", version))
		b.metrics.DegradedChanged(false)
		if b.onState != nil {
			b.onState(st)
		}
	}
}

func (b *Bridge) markDegraded(err error, version int64) {
	b.mu.Lock()
	entering := !b.status.Degraded
	b.status.Degraded = true
	b.status.LastError = err.Error()
	if entering {
		b.status.Since = time.Now().UTC()
	}
	st := b.status
	b.mu.Unlock()

	if !entering {
		return
	}
	// Operator-visible: edits continue in memory but are not durable.
	b.logger.Warn("Snapshot persistence degraded",
		zap.Error(err),
		zap.Int64("unsavedVersion", version),
		zap.Int64("lastSavedVersion", st.LastSavedVersion),
	)
	b.metrics.DegradedChanged(true)
	if b.onState != nil {
		b.onState(st)
	}
}
