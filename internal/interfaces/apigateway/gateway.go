package apigateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/dispatch"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

// ConnectionIDHeader carries the API Gateway connection id. The integration
// request maps context.connectionId into it.
const ConnectionIDHeader = "X-Connection-Id"

type binding struct {
	conn     *Connection
	session  *session.Session
	identity session.Identity
}

// Gateway serves the HTTP integration behind the $connect, $default and
// $disconnect routes of an API Gateway WebSocket API.
type Gateway struct {
	registry *session.Registry
	auth     *auth.Service
	api      API
	buffer   int
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	bindings map[string]*binding
}

// NewGateway creates the integration handler.
func NewGateway(registry *session.Registry, authService *auth.Service, api API, sendBuffer int, timeout time.Duration, logger *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		registry: registry,
		auth:     authService,
		api:      api,
		buffer:   sendBuffer,
		timeout:  timeout,
		logger:   logger.Named("apigateway"),
		bindings: make(map[string]*binding),
	}
}

// Routes mounts the three integration endpoints.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/connect", g.handleConnect)
	r.Post("/message", g.handleMessage)
	r.Post("/disconnect", g.handleDisconnect)
	return r
}

// Len is the number of bound connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bindings)
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	connID := r.Header.Get(ConnectionIDHeader)
	if connID == "" {
		writeError(w, apperrors.Validation(apperrors.CodeValidationFailed.String(), "missing connection id").Build())
		return
	}
	claims, err := g.auth.Authenticate(r)
	if err != nil {
		writeError(w, apperrors.Unauthorized(apperrors.CodeUnauthorized.String(), "authentication required").WithCause(err).Build())
		return
	}
	graphID := r.URL.Query().Get("graphId")
	if graphID == "" {
		writeError(w, apperrors.Validation(apperrors.CodeValidationFailed.String(), "graphId is required").Build())
		return
	}

	s, err := g.registry.Open(r.Context(), graphID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	identity := session.Identity{UserID: claims.UserID, DisplayName: claims.Name, Role: session.RoleEditor}
	if claims.HasRole(auth.RoleViewer) {
		identity.Role = session.RoleViewer
	}

	// Bound before joining so a peer that vanishes during the join is
	// still dropped.
	conn := NewConnection(connID, g.api, g.buffer, g.drop, g.forget, g.logger)
	g.mu.Lock()
	g.bindings[connID] = &binding{conn: conn, session: s, identity: identity}
	g.mu.Unlock()

	if _, err := s.Join(r.Context(), identity, conn); err != nil {
		g.forget(connID)
		conn.detach()
		writeError(w, err)
		return
	}

	g.logger.Info("Participant connected",
		zap.String("connectionID", connID),
		zap.String("userID", claims.UserID),
		zap.String("sessionID", s.ID()),
	)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	b, ok := g.lookup(r.Header.Get(ConnectionIDHeader))
	if !ok {
		writeError(w, apperrors.NotFound(apperrors.CodeNotParticipant.String(), "unknown connection").Build())
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 512*1024))
	if err != nil {
		writeError(w, apperrors.Validation(apperrors.CodeMalformedMessage.String(), "unreadable body").WithCause(err).Build())
		return
	}

	if dispatch.Handle(r.Context(), b.session, b.identity, b.conn, raw) == dispatch.Left {
		b.conn.Close(events.ReasonExplicit)
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	g.drop(r.Header.Get(ConnectionIDHeader))
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) lookup(connID string) (*binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bindings[connID]
	return b, ok
}

// drop handles a peer that is gone: the session keeps the participant for
// its grace window.
func (g *Gateway) drop(connID string) {
	g.mu.Lock()
	b, ok := g.bindings[connID]
	delete(g.bindings, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	b.conn.detach()
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := b.session.Disconnect(ctx, b.identity.UserID, b.conn); err != nil &&
		apperrors.CodeOf(err) != apperrors.CodeSessionClosed.String() {
		g.logger.Warn("Failed to record disconnect", zap.String("connectionID", connID), zap.Error(err))
	}
}

// forget removes a binding the server closed itself.
func (g *Gateway) forget(connID string) {
	g.mu.Lock()
	delete(g.bindings, connID)
	g.mu.Unlock()
}

func writeError(w http.ResponseWriter, err error) {
	ue := apperrors.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ue.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]*events.ErrorMessage{"error": session.ErrorMessage(ue, "")})
}
