package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

// Registry is the explicit table of live sessions: session id to session,
// and graph id to the one session editing it.
type Registry struct {
	deps       Deps
	instanceID string
	logger     *zap.Logger

	mu       sync.RWMutex
	settings Settings
	sessions map[string]*Session
	byGraph  map[string]string
	closed   bool

	opening singleflight.Group
}

// NewRegistry creates an empty registry. instanceID identifies this process
// as lease owner.
func NewRegistry(deps Deps, settings Settings, instanceID string) *Registry {
	deps = deps.withDefaults()
	if instanceID == "" {
		instanceID = ulid.Make().String()
	}
	return &Registry{
		deps:       deps,
		instanceID: instanceID,
		logger:     deps.Logger.Named("registry"),
		settings:   settings,
		sessions:   make(map[string]*Session),
		byGraph:    make(map[string]string),
	}
}

// Settings returns the settings new sessions start with.
func (r *Registry) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// UpdateSettings replaces the settings for sessions opened from now on.
// Running sessions keep theirs.
func (r *Registry) UpdateSettings(s Settings) {
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	r.logger.Info("Session settings updated",
		zap.String("conflictMode", string(s.ConflictMode)),
		zap.Int("maxParticipants", s.MaxParticipants),
	)
}

// Open returns the live session for graphID, creating it with owner as
// owner when none exists. Concurrent opens of the same graph share one
// creation.
func (r *Registry) Open(ctx context.Context, graphID, ownerID string) (*Session, error) {
	if graphID == "" || ownerID == "" {
		return nil, apperrors.Validation(apperrors.CodeValidationFailed.String(), "graph id and owner are required").Build()
	}
	if s, ok := r.ForGraph(graphID); ok && !s.isEnded() {
		return s, nil
	}

	v, err, shared := r.opening.Do(graphID, func() (interface{}, error) {
		if s, ok := r.ForGraph(graphID); ok && !s.isEnded() {
			return s, nil
		}
		return r.create(ctx, graphID, ownerID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("Joined concurrent session open", zap.String("graphID", graphID))
	}
	return v.(*Session), nil
}

func (r *Registry) create(ctx context.Context, graphID, ownerID string) (*Session, error) {
	r.mu.RLock()
	settings := r.settings
	count := len(r.sessions)
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, errClosed("")
	}
	if settings.MaxSessions > 0 && count >= settings.MaxSessions {
		return nil, errServerFull(settings.MaxSessions)
	}

	id := ulid.MustNew(ulid.Now(), rand.Reader).String()

	var lease ports.Lease
	if r.deps.Locker != nil {
		l, err := r.deps.Locker.Acquire(ctx, graphID, r.instanceID, settings.LeaseTTL)
		if err != nil {
			if errors.Is(err, ports.ErrLockHeld) {
				return nil, apperrors.Conflict(apperrors.CodeLockHeld.String(), "graph is being edited on another server").
					WithResource(graphID).
					WithCause(err).
					Build()
			}
			return nil, apperrors.Persistence(apperrors.CodePersistenceFailed.String(), "failed to acquire graph lease").
				WithResource(graphID).
				WithCause(err).
				Build()
		}
		lease = l
	}

	snap, version, err := r.deps.Store.LoadSnapshot(ctx, graphID)
	switch {
	case errors.Is(err, ports.ErrGraphNotFound):
		snap, version = graph.New(), 0
	case err != nil:
		if lease != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
		}
		return nil, apperrors.Persistence(apperrors.CodePersistenceFailed.String(), "failed to load graph").
			WithResource(graphID).
			WithCause(err).
			Build()
	}

	s := newSession(params{
		id:       id,
		graphID:  graphID,
		ownerID:  ownerID,
		snap:     snap,
		version:  version,
		settings: settings,
		deps:     r.deps,
		lease:    lease,
		onEnded:  r.remove,
	})

	r.mu.Lock()
	r.sessions[id] = s
	r.byGraph[graphID] = id
	r.mu.Unlock()

	s.start()
	return s, nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
	if r.byGraph[s.graphID] == s.id {
		delete(r.byGraph, s.graphID)
	}
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errSessionNotFound(id)
	}
	return s, nil
}

// ForGraph returns the live session editing graphID.
func (r *Registry) ForGraph(graphID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byGraph[graphID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the live sessions ordered by id, which is creation order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown refuses new sessions and ends every live one, flushing each
// snapshot.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	sessions := r.List()
	r.logger.Info("Shutting down sessions", zap.Int("count", len(sessions)))

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			err := s.Close(ctx, events.ReasonShutdown)
			if apperrors.CodeOf(err) == apperrors.CodeSessionClosed.String() {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
