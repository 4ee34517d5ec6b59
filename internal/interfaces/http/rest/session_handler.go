package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/application/transform"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

// SessionHandler handles the session management endpoints
type SessionHandler struct {
	registry *session.Registry
	logger   *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(registry *session.Registry, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{registry: registry, logger: logger}
}

type openSessionRequest struct {
	GraphID string `json:"graphId" validate:"required,max=128"`
}

type resolveRequest struct {
	Choice string `json:"choice" validate:"required,oneof=apply discard"`
}

// SnapshotResponse is the body of GET /sessions/{sessionID}/snapshot.
type SnapshotResponse struct {
	SessionID string          `json:"sessionId"`
	GraphID   string          `json:"graphId"`
	Version   int64           `json:"version"`
	Checksum  string          `json:"checksum"`
	Snapshot  *graph.Snapshot `json:"snapshot"`
}

// OperationsResponse is the body of GET /sessions/{sessionID}/operations.
type OperationsResponse struct {
	Since      int64                 `json:"since"`
	Operations []operation.Operation `json:"operations"`
}

// ListSessions handles GET /sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		info, err := s.Info(r.Context())
		if err != nil {
			// Ended between List and Info.
			continue
		}
		infos = append(infos, info)
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": infos, "count": len(infos)})
}

// OpenSession handles POST /sessions. It returns the live session for the
// graph, opening one owned by the caller when none exists.
func (h *SessionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var req openSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	s, err := h.registry.Open(r.Context(), req.GraphID, claims.UserID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.respondInfo(w, r, s)
}

// GetSession handles GET /sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respondInfo(w, r, s)
}

// PauseSession handles POST /sessions/{sessionID}/pause
func (h *SessionHandler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, (*session.Session).Pause)
}

// ResumeSession handles POST /sessions/{sessionID}/resume
func (h *SessionHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, (*session.Session).Resume)
}

// EndSession handles POST /sessions/{sessionID}/end. The final snapshot is
// flushed before the response.
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.End(r.Context(), mustClaims(r).UserID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) lifecycle(w http.ResponseWriter, r *http.Request, fn func(*session.Session, context.Context, string) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := fn(s, r.Context(), mustClaims(r).UserID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.respondInfo(w, r, s)
}

// GetSnapshot handles GET /sessions/{sessionID}/snapshot
func (h *SessionHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, version, err := s.Snapshot(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	sum, err := snap.Checksum()
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, SnapshotResponse{
		SessionID: s.ID(),
		GraphID:   s.GraphID(),
		Version:   version,
		Checksum:  sum,
		Snapshot:  snap,
	})
}

// ListOperations handles GET /sessions/{sessionID}/operations?since=N
func (h *SessionHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil || since < 0 {
		respondError(w, r, h.logger, apperrors.Validation(apperrors.CodeValidationFailed.String(), "since must be a non-negative version").Build())
		return
	}
	ops, err := s.OperationsSince(r.Context(), since)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, OperationsResponse{Since: since, Operations: ops})
}

// ListConflicts handles GET /sessions/{sessionID}/conflicts
func (h *SessionHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	pending, err := s.Conflicts(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if pending == nil {
		pending = []transform.PendingConflict{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conflicts": pending})
}

// ResolveConflict handles POST /sessions/{sessionID}/conflicts/{operationID}/resolve
func (h *SessionHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out, err := s.ResolveConflict(r.Context(), mustClaims(r).UserID, chi.URLParam(r, "operationID"), transform.Choice(req.Choice))
	h.respondOutcome(w, r, out, err)
}

// Undo handles POST /sessions/{sessionID}/undo
func (h *SessionHandler) Undo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req events.UndoMessage
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out, err := s.Undo(r.Context(), mustClaims(r).UserID, req.ClientID, req.OperationID)
	h.respondOutcome(w, r, out, err)
}

func (h *SessionHandler) respondOutcome(w http.ResponseWriter, r *http.Request, out session.Outcome, err error) {
	if err == nil && out.Err != nil {
		err = out.Err
	}
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out.Ack())
}

func (h *SessionHandler) respondInfo(w http.ResponseWriter, r *http.Request, s *session.Session) {
	info, err := s.Info(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return nil, false
	}
	return s, true
}

// mustClaims returns the caller. Routes are mounted behind Authenticate.
func mustClaims(r *http.Request) *auth.Claims {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		panic("rest: handler mounted without Authenticate")
	}
	return claims
}
