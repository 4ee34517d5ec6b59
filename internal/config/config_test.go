package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader(t.TempDir(), Development).Load()
	require.NoError(t, err)

	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, operation.ModeOperationalTransform, cfg.Session.ConflictMode)
	assert.Equal(t, "memory", cfg.Store.Provider)
	assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
}

func TestLoader_FileLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
session:
  max_participants: 4
  conflict_mode: last-write-wins
  autosave_interval: 10s
server:
  port: 9000
`)
	writeFile(t, dir, "staging.yaml", `
session:
  max_participants: 6
`)

	cfg, err := NewLoader(dir, Staging).Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Session.MaxParticipants)
	assert.Equal(t, operation.ModeLastWriteWins, cfg.Session.ConflictMode)
	assert.Equal(t, 10*time.Second, cfg.Session.AutosaveInterval)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Len(t, cfg.LoadedFrom, 4)
}

func TestLoader_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("SESSION_CONFLICT_MODE", "manual")
	t.Setenv("SESSION_SUBMIT_TIMEOUT", "250ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := NewLoader(t.TempDir(), Development).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, operation.ModeManual, cfg.Session.ConflictMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.SubmitTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoader_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "session: [not, a, map]")

	_, err := NewLoader(dir, Development).Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown conflict mode",
			mutate:  func(c *Config) { c.Session.ConflictMode = "merge-everything" },
			wantErr: "session.conflict_mode",
		},
		{
			name:    "zero participants",
			mutate:  func(c *Config) { c.Session.MaxParticipants = 0 },
			wantErr: "session.max_participants",
		},
		{
			name:    "retention shorter than rebase window",
			mutate:  func(c *Config) { c.Session.LogRetention = 10 },
			wantErr: "session.log_retention",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "short" },
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Provider = "postgres" },
			wantErr: "store.provider",
		},
		{
			name:    "dynamodb without table",
			mutate:  func(c *Config) { c.Store.Provider = "dynamodb"; c.Store.TableName = "" },
			wantErr: "store.table_name",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(Development)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ProductionForcesAuth(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := NewLoader(t.TempDir(), Production).Load()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
}

func TestWatcher_ReloadNotifiesOnSessionChange(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, Staging)
	initial, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	var got *Config
	w.OnChange(func(c *Config) { got = c })

	// Unchanged session defaults do not notify.
	w.Reload()
	assert.Nil(t, got)

	writeFile(t, dir, "staging.yaml", "session:\n  max_participants: 3\n")
	w.Reload()
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Session.MaxParticipants)
	assert.Equal(t, 3, w.Config().Session.MaxParticipants)
}

func TestWatcher_ReloadRunsEveryCallback(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, Staging)
	initial, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	var calls []string
	w.OnChange(func(*Config) { calls = append(calls, "first") })
	w.OnChange(func(*Config) { panic("boom") })
	w.OnChange(func(c *Config) {
		calls = append(calls, "last")
		// Registering from inside a callback must not affect this reload.
		w.OnChange(func(*Config) { calls = append(calls, "late") })
	})

	writeFile(t, dir, "staging.yaml", "session:\n  grace_window: 45s\n")
	w.Reload()
	assert.Equal(t, []string{"first", "last"}, calls)
}
