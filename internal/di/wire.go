//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/KlikkAI/reporunner-sub010/internal/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideMetricsCollector,
	ProvideCoreMetrics,
	ProvideTracerProvider,
	ProvideAWSConfig,
	ProvideRedisClient,
	ProvidePersistence,
	ProvideEventPublisher,
	ProvideRegistry,
	ProvideAuthService,
	ProvideHub,
	ProvideWebSocketHandler,
	ProvideGateway,
	ProvideHandler,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	wire.Build(SuperSet)
	return nil, nil
}
