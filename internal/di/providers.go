package di

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/messaging/eventbridge"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/observability"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/persistence/dynamodb"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/persistence/memory"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/persistence/redisstore"
	"github.com/KlikkAI/reporunner-sub010/internal/infrastructure/persistence/resilience"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/apigateway"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/http/rest"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/websocket"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

// ============================================================================
// CONFIG AND CROSS-CUTTING
// ============================================================================

// ProvideLogger builds the root logger for the configured environment.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Environment == config.Production {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("environment", string(cfg.Environment))), nil
}

// ProvideMetricsCollector creates the Prometheus collector.
func ProvideMetricsCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.Metrics.Namespace)
}

// ProvideCoreMetrics hands the collector to the core, or a no-op sink when
// metrics are disabled.
func ProvideCoreMetrics(cfg *config.Config, c *observability.Collector) ports.Metrics {
	if !cfg.Metrics.Enabled {
		return ports.NopMetrics{}
	}
	return c
}

// ProvideTracerProvider installs the global tracer provider.
func ProvideTracerProvider(ctx context.Context, cfg *config.Config) (*observability.TracerProvider, error) {
	return observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: string(cfg.Environment),
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
	})
}

// ProvideAWSConfig loads the shared AWS configuration.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Store.Region))
}

// ============================================================================
// PERSISTENCE
// ============================================================================

// ProvideRedisClient connects to Redis when the redis store is selected.
func ProvideRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Store.Provider != "redis" {
		return nil, nil
	}
	return redisstore.NewClient(ctx, cfg.Store.Redis)
}

// Persistence is the graph store and lease locker of the selected provider.
type Persistence struct {
	Store  ports.GraphStore
	Locker ports.Locker
}

// ProvidePersistence builds the store and locker for cfg.Store.Provider.
// The store is always wrapped in a circuit breaker.
func ProvidePersistence(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (Persistence, error) {
	var p Persistence
	switch cfg.Store.Provider {
	case "memory":
		p = Persistence{Store: memory.NewGraphStore(), Locker: memory.NewLocker()}
	case "dynamodb":
		client, err := dynamodb.NewClient(ctx, cfg.Store)
		if err != nil {
			return Persistence{}, fmt.Errorf("dynamodb client: %w", err)
		}
		lockTable := cfg.Store.LockTableName
		if lockTable == "" {
			lockTable = cfg.Store.TableName
		}
		p = Persistence{
			Store:  dynamodb.NewGraphStore(client, cfg.Store.TableName, logger),
			Locker: dynamodb.NewLeaseLocker(client, lockTable, logger),
		}
	case "redis":
		p = Persistence{
			Store:  redisstore.NewGraphStore(rdb, cfg.Store.Redis.KeyPrefix, logger),
			Locker: redisstore.NewLocker(rdb, cfg.Store.Redis.KeyPrefix),
		}
	default:
		return Persistence{}, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}
	p.Store = resilience.NewCircuitBreakerStore(p.Store, cfg.CircuitBreaker, logger)
	logger.Info("Graph store ready", zap.String("provider", cfg.Store.Provider))
	return p, nil
}

// ProvideEventPublisher publishes lifecycle events to EventBridge when
// enabled.
func ProvideEventPublisher(cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) ports.EventPublisher {
	if !cfg.Events.Enabled {
		return ports.NopPublisher{}
	}
	client := awseventbridge.NewFromConfig(awsCfg)
	return eventbridge.NewPublisher(client, cfg.Events.EventBusName, cfg.Events.Source, logger)
}

// ============================================================================
// APPLICATION
// ============================================================================

// ProvideRegistry creates the session table.
func ProvideRegistry(cfg *config.Config, p Persistence, publisher ports.EventPublisher, metrics ports.Metrics, logger *zap.Logger) *session.Registry {
	deps := session.Deps{
		Store:     p.Store,
		Locker:    p.Locker,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	}
	return session.NewRegistry(deps, session.SettingsFromConfig(cfg), ulid.Make().String())
}

// ============================================================================
// INTERFACES
// ============================================================================

// ProvideAuthService creates the token validator.
func ProvideAuthService(cfg *config.Config) (*auth.Service, error) {
	return auth.NewService(cfg.Auth)
}

// ProvideHub creates the WebSocket hub. The caller runs it.
func ProvideHub(logger *zap.Logger) *websocket.Hub {
	return websocket.NewHub(logger)
}

// ProvideWebSocketHandler creates the /ws endpoint.
func ProvideWebSocketHandler(cfg *config.Config, registry *session.Registry, authService *auth.Service, hub *websocket.Hub, logger *zap.Logger) *websocket.Handler {
	return websocket.NewHandler(registry, authService, hub, cfg.Server, logger)
}

// ProvideGateway creates the API Gateway integration when enabled.
func ProvideGateway(ctx context.Context, cfg *config.Config, registry *session.Registry, authService *auth.Service, logger *zap.Logger) (*apigateway.Gateway, error) {
	if !cfg.APIGateway.Enabled {
		return nil, nil
	}
	client, err := apigateway.NewClient(ctx, cfg.APIGateway.Endpoint, cfg.Store.Region)
	if err != nil {
		return nil, fmt.Errorf("api gateway client: %w", err)
	}
	return apigateway.NewGateway(registry, authService, client, cfg.Server.SendBuffer, cfg.Server.WriteWait, logger), nil
}

// ProvideHandler builds the HTTP handler tree.
func ProvideHandler(
	cfg *config.Config,
	registry *session.Registry,
	authService *auth.Service,
	ws *websocket.Handler,
	gateway *apigateway.Gateway,
	metrics *observability.Collector,
	logger *zap.Logger,
) http.Handler {
	return rest.NewRouter(registry, authService, ws, gateway, metrics, cfg, logger).Setup()
}
