package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader builds a Config from layered sources. Lowest priority first:
//  1. defaults in code
//  2. base.yaml
//  3. <environment>.yaml
//  4. local.yaml (development only)
//  5. .env files, then process environment variables
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
}

// NewLoader creates a loader reading files from basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{basePath: basePath, environment: env}
}

// BasePath is the directory configuration files are read from.
func (l *Loader) BasePath() string { return l.basePath }

// Load applies every source and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]

	cfg := defaultConfig(l.environment)
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load local config: %v\n", err)
		}
	}

	l.loadDotEnv()
	loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")

	// A file may not move the config into another environment.
	cfg.Environment = l.environment
	cfg.LoadedFrom = append([]string(nil), l.sources...)
	cfg.applyEnvironmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, ext := range []string{"yaml", "yml"} {
		path := filepath.Join(l.basePath, name+"."+ext)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		err = decodeYAML(f, cfg)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

func decodeYAML(r io.Reader, cfg *Config) error {
	err := yaml.NewDecoder(r).Decode(cfg)
	if err == io.EOF {
		return nil
	}
	return err
}

// loadDotEnv populates the process environment from .env files without
// overriding variables that are already set.
func (l *Loader) loadDotEnv() {
	for _, name := range []string{".env." + strings.ToLower(string(l.environment)), ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", name, err)
			continue
		}
		l.sources = append(l.sources, name)
	}
}

// ============================================================================
// ENVIRONMENT VARIABLES
// ============================================================================

func loadEnvironmentVariables(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	// Server
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.MaxConnections = getEnvInt("MAX_CONNECTIONS", cfg.Server.MaxConnections)

	// Auth
	cfg.Auth.Enabled = getEnvBool("ENABLE_AUTH", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getEnv("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.Audience = getEnv("JWT_AUDIENCE", cfg.Auth.Audience)

	// Session defaults
	cfg.Session.MaxParticipants = getEnvInt("SESSION_MAX_PARTICIPANTS", cfg.Session.MaxParticipants)
	cfg.Session.AutosaveInterval = getEnvDuration("SESSION_AUTOSAVE_INTERVAL", cfg.Session.AutosaveInterval)
	if val := os.Getenv("SESSION_CONFLICT_MODE"); val != "" {
		cfg.Session.ConflictMode = operation.Mode(val)
	}
	cfg.Session.InactivityTimeout = getEnvDuration("SESSION_INACTIVITY_TIMEOUT", cfg.Session.InactivityTimeout)
	cfg.Session.GraceWindow = getEnvDuration("SESSION_GRACE_WINDOW", cfg.Session.GraceWindow)
	cfg.Session.SubmitTimeout = getEnvDuration("SESSION_SUBMIT_TIMEOUT", cfg.Session.SubmitTimeout)
	cfg.Session.MaxRebaseWindow = int64(getEnvInt("SESSION_MAX_REBASE_WINDOW", int(cfg.Session.MaxRebaseWindow)))
	cfg.Session.PresenceLiveness = getEnvDuration("SESSION_PRESENCE_LIVENESS", cfg.Session.PresenceLiveness)

	// Store
	cfg.Store.Provider = getEnv("STORE_PROVIDER", cfg.Store.Provider)
	cfg.Store.TableName = getEnv("TABLE_NAME", cfg.Store.TableName)
	cfg.Store.LockTableName = getEnv("LOCK_TABLE_NAME", cfg.Store.LockTableName)
	cfg.Store.Endpoint = getEnv("DYNAMODB_ENDPOINT", cfg.Store.Endpoint)
	cfg.Store.Region = getEnv("AWS_REGION", cfg.Store.Region)
	cfg.Store.Redis.Addr = getEnv("REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = getEnvInt("REDIS_DB", cfg.Store.Redis.DB)

	// Events
	cfg.Events.Enabled = getEnvBool("ENABLE_EVENTS", cfg.Events.Enabled)
	cfg.Events.EventBusName = getEnv("EVENT_BUS_NAME", cfg.Events.EventBusName)

	// Observability
	cfg.Tracing.Enabled = getEnvBool("ENABLE_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Metrics.Enabled = getEnvBool("ENABLE_METRICS", cfg.Metrics.Enabled)

	// API Gateway
	cfg.APIGateway.Endpoint = getEnv("APIGW_ENDPOINT", cfg.APIGateway.Endpoint)
	if cfg.APIGateway.Endpoint != "" {
		cfg.APIGateway.Enabled = getEnvBool("ENABLE_APIGW", true)
	}
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return val
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return val
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CurrentEnvironment reads ENVIRONMENT, defaulting to development.
func CurrentEnvironment() Environment {
	env := Environment(strings.ToLower(os.Getenv("ENVIRONMENT")))
	if !env.Valid() {
		return Development
	}
	return env
}

// Load reads configuration for the current environment from CONFIG_DIR
// (default ./config).
func Load() (*Config, error) {
	return NewLoader(getEnv("CONFIG_DIR", "config"), CurrentEnvironment()).Load()
}

// MustLoad is Load that panics. Use it only from main.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
