package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Database.DSN)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, 4, cfg.Engine.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.Sweep.ScanInterval)
	assert.Equal(t, time.Hour, cfg.Relay.Emitter.RunTTL)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/no/such/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  addr: ":9090"
database:
  driver: postgres
  dsn: "host=db port=5432 user=flowmesh dbname=flowmesh sslmode=disable"
engine:
  concurrency: 8
  step_timeout: 1m
relay:
  sweep:
    scan_interval: 250ms
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Engine.Concurrency)
	assert.Equal(t, time.Minute, cfg.Engine.StepTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.Sweep.ScanInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	t.Setenv("FLOWMESH_SERVER_ADDR", ":7070")
	t.Setenv("FLOWMESH_ENGINE_CONCURRENCY", "16")
	t.Setenv("FLOWMESH_REDIS_ADDR", "redis-primary:6379")
	t.Setenv("FLOWMESH_RELAY_SWEEP_SCAN_INTERVAL", "2s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Engine.Concurrency)
	assert.Equal(t, "redis-primary:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Relay.Sweep.ScanInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database driver",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Engine.Concurrency = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCustomValidatorRuns(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Database.Driver == "sqlite" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	logger, err := DefaultLogConfig().BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Sync()

	_, err = LogConfig{Level: "nope", Format: "json"}.BuildLogger()
	require.Error(t, err)
}
