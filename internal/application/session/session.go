package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/bridge"
	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/presence"
	"github.com/KlikkAI/reporunner-sub010/internal/application/transform"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/versionlog"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

var tracer = otel.Tracer("collab/session")

const (
	defaultCommandBuffer = 64
	publishBuffer        = 64
	publishTimeout       = 5 * time.Second
)

// ============================================================================
// SESSION
// ============================================================================

// Session is one live editing session over one graph. All methods are safe
// for concurrent use; they hand their work to the session's worker and
// wait for the answer.
type Session struct {
	id        string
	graphID   string
	ownerID   string
	settings  Settings
	createdAt time.Time
	deps      Deps
	logger    *zap.Logger

	cmds    chan command
	ended   chan struct{}
	done    chan struct{}
	endOnce sync.Once

	publishCh   chan events.LifecycleEvent
	publishDone chan struct{}

	// lastPresence is unix nanos of the latest presence update; presence
	// bypasses the worker.
	lastPresence atomic.Int64

	presence *presence.Broadcaster
	bridge   *bridge.Bridge
	lease    ports.Lease
	onEnded  func(*Session)

	w *worker
}

type params struct {
	id       string
	graphID  string
	ownerID  string
	snap     *graph.Snapshot
	version  int64
	settings Settings
	deps     Deps
	lease    ports.Lease
	onEnded  func(*Session)
}

func newSession(p params) *Session {
	deps := p.deps.withDefaults()
	buf := p.settings.CommandBuffer
	if buf <= 0 {
		buf = defaultCommandBuffer
	}
	snap := p.snap
	if snap == nil {
		snap = graph.New()
	}

	logger := deps.Logger.Named("session").With(
		zap.String("sessionID", p.id),
		zap.String("graphID", p.graphID),
	)
	s := &Session{
		id:          p.id,
		graphID:     p.graphID,
		ownerID:     p.ownerID,
		settings:    p.settings,
		createdAt:   time.Now().UTC(),
		deps:        deps,
		logger:      logger,
		cmds:        make(chan command, buf),
		ended:       make(chan struct{}),
		done:        make(chan struct{}),
		publishCh:   make(chan events.LifecycleEvent, publishBuffer),
		publishDone: make(chan struct{}),
		lease:       p.lease,
		onEnded:     p.onEnded,
	}
	s.presence = presence.New(p.id, p.settings.PresenceLiveness, deps.Logger, deps.Metrics)
	s.bridge = bridge.New(deps.Store, bridge.Options{
		SessionID: p.id,
		GraphID:   p.graphID,
		Interval:  p.settings.AutosaveInterval,
		Retry:     p.settings.Retry,
		Lease:     p.lease,
		LeaseTTL:  p.settings.LeaseTTL,
	}, p.version, deps.Logger, deps.Metrics)

	s.w = &worker{
		s:            s,
		logger:       logger,
		metrics:      deps.Metrics,
		now:          time.Now,
		status:       StatusActive,
		snap:         snap.Clone(),
		log:          versionlog.New(snap, p.version),
		engine:       transform.NewEngine(p.settings.ConflictMode, p.settings.MaxRebaseWindow, logger),
		participants: make(map[string]*participant),
		limiter:      newTokenBucketLimiter(p.settings.RateLimitBurst, p.settings.RateLimitPerSec),
		outcomes:     make(map[string]*Outcome),
		outcomeLimit: maxOutcomes,
		undone:       make(map[string]bool),
		lastActivity: time.Now(),
	}
	return s
}

// start launches the worker, the presence loop, the autosave loop and the
// event publisher.
func (s *Session) start() {
	s.bridge.OnStateChange(func(st bridge.Status) {
		s.post(func(w *worker) { w.persistenceChanged(st) })
	})
	s.bridge.OnLeaseLost(func(err error) {
		s.post(func(w *worker) {
			w.logger.Error("Session lease lost, ending session", zap.Error(err))
			w.end(events.ReasonLeaseLost, "")
		})
	})

	version := s.w.log.Current()
	go s.runPublisher()
	s.publish(events.EventSessionOpened, s.ownerID, "", version)

	s.presence.Start()
	go s.w.run()
	s.bridge.Start(func(ctx context.Context) (*graph.Snapshot, int64, error) {
		r, err := call(ctx, s, "snapshot", callOptions{detach: true}, readSnapshot)
		return r.unpack(err)
	})

	s.deps.Metrics.SessionOpened()
	s.logger.Info("Session opened",
		zap.String("ownerID", s.ownerID),
		zap.Int64("version", version),
		zap.String("conflictMode", string(s.settings.ConflictMode)),
	)
}

// ============================================================================
// LIFECYCLE EVENTS
// ============================================================================

// publish queues a lifecycle event. start queues session.opened before the
// worker runs; from then on only the worker goroutine publishes, until end
// closes the queue.
func (s *Session) publish(typ, userID, reason string, version int64) {
	ev := events.LifecycleEvent{
		Type:      typ,
		SessionID: s.id,
		GraphID:   s.graphID,
		UserID:    userID,
		Version:   version,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	select {
	case s.publishCh <- ev:
	default:
		s.logger.Warn("Lifecycle event dropped", zap.String("type", typ))
	}
}

func (s *Session) runPublisher() {
	defer close(s.publishDone)
	for ev := range s.publishCh {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("Failed to publish lifecycle event",
				zap.String("type", ev.Type),
				zap.Error(err),
			)
		}
		cancel()
	}
}
