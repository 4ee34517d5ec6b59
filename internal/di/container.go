// Package di wires the collaboration server together.
package di

import (
	"context"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/observability"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/websocket"
)

// Container holds all application dependencies
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *session.Registry
	Hub         *websocket.Hub
	Handler     http.Handler
	Metrics     *observability.Collector
	Tracer      *observability.TracerProvider
	RedisClient *redis.Client
}

// Shutdown ends every session, flushing their snapshots, and then releases
// the clients the container opened.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if err := c.Registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = c.Logger.Sync()
	return errors.Join(errs...)
}
