// Package rest serves the HTTP surface of the collaboration server: health
// and metrics, the WebSocket endpoint and the session management API.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/observability"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/apigateway"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/websocket"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

// Router creates and configures the HTTP router
type Router struct {
	registry  *session.Registry
	auth      *auth.Service
	websocket *websocket.Handler
	gateway   *apigateway.Gateway
	metrics   *observability.Collector
	cfg       *config.Config
	logger    *zap.Logger
}

// NewRouter creates a new router instance. gateway and metrics may be nil.
func NewRouter(
	registry *session.Registry,
	authService *auth.Service,
	ws *websocket.Handler,
	gateway *apigateway.Gateway,
	metrics *observability.Collector,
	cfg *config.Config,
	logger *zap.Logger,
) *Router {
	return &Router{
		registry:  registry,
		auth:      authService,
		websocket: ws,
		gateway:   gateway,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.Named("http"),
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(Logger(rt.logger))
	if rt.metrics != nil {
		router.Use(rt.metrics.HTTPMiddleware(routePattern))
	}

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.metrics != nil && rt.cfg.Metrics.Enabled {
		router.Method(http.MethodGet, rt.cfg.Metrics.Path, rt.metrics.Handler())
	}

	// Authenticates itself: browsers cannot set headers on an upgrade.
	router.Method(http.MethodGet, "/ws", rt.websocket)

	if rt.gateway != nil {
		router.Mount("/apigw", rt.gateway.Routes())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(rt.auth, rt.logger))

		h := NewSessionHandler(rt.registry, rt.logger)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.OpenSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/pause", h.PauseSession)
				r.Post("/resume", h.ResumeSession)
				r.Post("/end", h.EndSession)
				r.Get("/snapshot", h.GetSnapshot)
				r.Get("/operations", h.ListOperations)
				r.Get("/conflicts", h.ListConflicts)
				r.Post("/conflicts/{operationID}/resolve", h.ResolveConflict)
				r.Post("/undo", h.Undo)
			})
		})
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": rt.registry.Len(),
	})
}

func (rt *Router) readinessCheck(w http.ResponseWriter, _ *http.Request) {
	if rt.registry.Closed() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
