package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowmesh/pipeline/engine"
	"github.com/flowmesh/pipeline/internal/cache"
	"github.com/flowmesh/pipeline/internal/database"
	"github.com/flowmesh/pipeline/internal/pool"
	"github.com/flowmesh/pipeline/internal/server"
	"github.com/flowmesh/pipeline/relay"
)

// DefaultConfig returns the configuration used when neither file nor
// environment overrides a value.
func DefaultConfig() *Config {
	return &Config{
		Server:   server.DefaultConfig(),
		Database: DefaultDatabaseConfig(),
		Redis:    cache.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		Relay: RelayConfig{
			Sweep:   relay.DefaultConfig(),
			Emitter: relay.DefaultEmitterConfig(),
		},
		Workers: pool.DefaultConfig(),
		Log:     DefaultLogConfig(),
	}
}

// DefaultDatabaseConfig defaults to an in-memory SQLite database so a
// fresh checkout runs without external services.
func DefaultDatabaseConfig() database.Config {
	return database.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Pool:   database.DefaultPoolConfig(),
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}

// BuildLogger constructs the zap logger described by the config.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if c.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.Encoding = c.Format
	if len(c.OutputPaths) > 0 {
		zapConfig.OutputPaths = c.OutputPaths
	}
	zapConfig.DisableCaller = !c.EnableCaller

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
