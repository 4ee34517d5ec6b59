package websocket

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

// MaxConnectionsPerUser caps the sockets one user may hold open.
const MaxConnectionsPerUser = 10

// Handler upgrades /ws requests and attaches the connection to the session
// editing the requested graph, opening one when needed.
type Handler struct {
	registry *session.Registry
	auth     *auth.Service
	hub      *Hub
	cfg      config.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates the WebSocket endpoint.
func NewHandler(registry *session.Registry, authService *auth.Service, hub *Hub, cfg config.Server, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		auth:     authService,
		hub:      hub,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger: logger.Named("websocket"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeHTTP handles GET /ws?graphId=... upgrade requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Debug("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		writeError(w, apperrors.Unauthorized(apperrors.CodeUnauthorized.String(), "authentication required").WithCause(err).Build())
		return
	}

	graphID := r.URL.Query().Get("graphId")
	if graphID == "" {
		writeError(w, apperrors.Validation(apperrors.CodeValidationFailed.String(), "graphId is required").Build())
		return
	}

	if h.cfg.MaxConnections > 0 && h.hub.Total() >= h.cfg.MaxConnections {
		writeError(w, apperrors.Capacity(apperrors.CodeServerFull.String(), "connection limit reached").Build())
		return
	}
	if h.hub.ConnectionCount(claims.UserID) >= MaxConnectionsPerUser {
		h.logger.Warn("Connection limit exceeded for user", zap.String("userID", claims.UserID))
		writeError(w, apperrors.RateLimit(apperrors.CodeRateLimited.String(), "too many connections", 0).Build())
		return
	}

	s, err := h.registry.Open(r.Context(), graphID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Failed to upgrade connection", zap.Error(err), zap.String("remoteAddr", r.RemoteAddr))
		return
	}

	identity := session.Identity{
		UserID:      claims.UserID,
		DisplayName: claims.Name,
		Role:        session.RoleEditor,
	}
	if claims.HasRole(auth.RoleViewer) {
		identity.Role = session.RoleViewer
	}

	client := newClient(identity, h.hub, conn, s, h.cfg, h.logger)
	h.hub.add(client)
	go client.writePump()

	role, err := s.Join(r.Context(), identity, client)
	if err != nil {
		client.sendError(err, "")
		client.Close(apperrors.CodeOf(err))
		h.hub.remove(client)
		return
	}

	client.logger.Info("Participant connected",
		zap.String("graphID", graphID),
		zap.String("role", string(role)),
		zap.String("remoteAddr", r.RemoteAddr),
	)
	client.readPump(r.Context())
}

type errorResponse struct {
	Error *events.ErrorMessage `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	ue := apperrors.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ue.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorResponse{Error: session.ErrorMessage(ue, "")})
}
