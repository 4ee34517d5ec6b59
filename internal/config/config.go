// Package config holds the typed configuration of the collaboration server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case Development, Staging, Production:
		return true
	}
	return false
}

// ============================================================================
// CONFIGURATION SECTIONS
// ============================================================================

// Config is the root configuration.
type Config struct {
	Environment    Environment    `yaml:"environment"`
	LogLevel       string         `yaml:"log_level"`
	Server         Server         `yaml:"server"`
	Auth           Auth           `yaml:"auth"`
	Session        Session        `yaml:"session"`
	Store          Store          `yaml:"store"`
	Retry          Retry          `yaml:"retry"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Events         Events         `yaml:"events"`
	Tracing        Tracing        `yaml:"tracing"`
	Metrics        Metrics        `yaml:"metrics"`
	APIGateway     APIGateway     `yaml:"api_gateway"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-"`
}

// Server configures the HTTP and WebSocket listener.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	// WebSocket pump settings.
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	MaxConnections int           `yaml:"max_connections"`
}

// Addr is host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PingPeriod is how often the server pings a WebSocket peer.
func (s Server) PingPeriod() time.Duration {
	return s.PongWait * 9 / 10
}

// Auth configures bearer token validation.
type Auth struct {
	Enabled   bool          `yaml:"enabled"`
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Session holds the defaults applied to newly opened sessions.
type Session struct {
	MaxParticipants   int            `yaml:"max_participants"`
	AutosaveInterval  time.Duration  `yaml:"autosave_interval"`
	ConflictMode      operation.Mode `yaml:"conflict_mode"`
	InactivityTimeout time.Duration  `yaml:"inactivity_timeout"`
	GraceWindow       time.Duration  `yaml:"grace_window"`
	SubmitTimeout     time.Duration  `yaml:"submit_timeout"`
	MaxRebaseWindow   int64          `yaml:"max_rebase_window"`
	LogRetention      int            `yaml:"log_retention"`
	PresenceLiveness  time.Duration  `yaml:"presence_liveness"`
	RateLimitBurst    int            `yaml:"rate_limit_burst"`
	RateLimitPerSec   float64        `yaml:"rate_limit_per_sec"`
	CommandBuffer     int            `yaml:"command_buffer"`
	MaxSessions       int            `yaml:"max_sessions"`
}

// Store selects and configures the graph store.
type Store struct {
	Provider      string        `yaml:"provider"` // memory, dynamodb or redis
	TableName     string        `yaml:"table_name"`
	LockTableName string        `yaml:"lock_table_name"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	Redis         Redis         `yaml:"redis"`
}

// Redis configures the Redis graph store.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

// Retry configures snapshot save backoff.
type Retry struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxTries            uint          `yaml:"max_tries"`
}

// CircuitBreaker configures the breaker around the graph store.
type CircuitBreaker struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// Events configures the lifecycle event publisher.
type Events struct {
	Enabled      bool   `yaml:"enabled"`
	EventBusName string `yaml:"event_bus_name"`
	Source       string `yaml:"source"`
}

// Tracing configures the OTLP exporter.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// APIGateway configures push to API Gateway WebSocket connections.
type APIGateway struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if !c.Environment.Valid() {
		errs = append(errs, fmt.Errorf("environment: unknown value %q", c.Environment))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Server.PongWait <= 0 || c.Server.WriteWait <= 0 {
		errs = append(errs, errors.New("server: websocket wait durations must be positive"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer: must be positive"))
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret: must be at least 32 characters"))
	}

	s := c.Session
	if s.MaxParticipants <= 0 {
		errs = append(errs, errors.New("session.max_participants: must be positive"))
	}
	if !s.ConflictMode.Valid() {
		errs = append(errs, fmt.Errorf("session.conflict_mode: unknown value %q", s.ConflictMode))
	}
	if s.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("session.submit_timeout: must be positive"))
	}
	if s.AutosaveInterval <= 0 {
		errs = append(errs, errors.New("session.autosave_interval: must be positive"))
	}
	if s.MaxRebaseWindow <= 0 {
		errs = append(errs, errors.New("session.max_rebase_window: must be positive"))
	}
	if s.LogRetention < int(s.MaxRebaseWindow) {
		errs = append(errs, errors.New("session.log_retention: must cover max_rebase_window"))
	}
	if s.RateLimitBurst <= 0 || s.RateLimitPerSec <= 0 {
		errs = append(errs, errors.New("session: rate limit must be positive"))
	}
	if s.CommandBuffer <= 0 {
		errs = append(errs, errors.New("session.command_buffer: must be positive"))
	}

	switch c.Store.Provider {
	case "memory":
	case "dynamodb":
		if c.Store.TableName == "" {
			errs = append(errs, errors.New("store.table_name: required for dynamodb"))
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr: required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.provider: unknown value %q", c.Store.Provider))
	}

	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier: must be >= 1"))
	}
	if c.Events.Enabled && c.Events.EventBusName == "" {
		errs = append(errs, errors.New("events.event_bus_name: required when enabled"))
	}
	if c.APIGateway.Enabled && c.APIGateway.Endpoint == "" {
		errs = append(errs, errors.New("api_gateway.endpoint: required when enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate: must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

// applyEnvironmentDefaults tightens settings for non-development environments.
func (c *Config) applyEnvironmentDefaults() {
	switch c.Environment {
	case Production:
		c.Auth.Enabled = true
		if c.LogLevel == "debug" {
			c.LogLevel = "info"
		}
		if c.Tracing.SampleRate > 0.1 {
			c.Tracing.SampleRate = 0.1
		}
	case Development:
		if c.LogLevel == "" {
			c.LogLevel = "debug"
		}
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// defaultConfig returns a configuration the server can run with unchanged.
func defaultConfig(env Environment) *Config {
	return &Config{
		Environment: env,
		LogLevel:    "info",
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			MaxMessageSize:  512 * 1024,
			SendBuffer:      256,
			MaxConnections:  1000,
		},
		Auth: Auth{
			Enabled:  false,
			Issuer:   "reporunner",
			TokenTTL: 24 * time.Hour,
		},
		Session: Session{
			MaxParticipants:   10,
			AutosaveInterval:  30 * time.Second,
			ConflictMode:      operation.ModeOperationalTransform,
			InactivityTimeout: 30 * time.Minute,
			GraceWindow:       2 * time.Minute,
			SubmitTimeout:     5 * time.Second,
			MaxRebaseWindow:   500,
			LogRetention:      1000,
			PresenceLiveness:  30 * time.Second,
			RateLimitBurst:    50,
			RateLimitPerSec:   20,
			CommandBuffer:     64,
			MaxSessions:       10000,
		},
		Store: Store{
			Provider:      "memory",
			TableName:     "reporunner-graphs-" + strings.ToLower(string(env)),
			LockTableName: "reporunner-locks-" + strings.ToLower(string(env)),
			Region:        "us-east-1",
			Timeout:       10 * time.Second,
			LockTTL:       2 * time.Minute,
			Redis: Redis{
				Addr:      "localhost:6379",
				KeyPrefix: "collab",
				PoolSize:  10,
			},
		},
		Retry: Retry{
			InitialInterval:     200 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.3,
			MaxTries:            8,
		},
		CircuitBreaker: CircuitBreaker{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Events: Events{
			EventBusName: "default",
			Source:       "reporunner.collab",
		},
		Tracing: Tracing{
			ServiceName: "collab-server",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "collab",
			Path:      "/metrics",
		},
	}
}
