package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/pipeline/engine"
	"github.com/flowmesh/pipeline/internal/cache"
	"github.com/flowmesh/pipeline/internal/database"
	"github.com/flowmesh/pipeline/internal/pool"
	"github.com/flowmesh/pipeline/internal/server"
	"github.com/flowmesh/pipeline/relay"
)

// Config is the complete service configuration. Precedence is
// defaults, then YAML file, then environment variables.
type Config struct {
	Server   server.Config   `yaml:"server" env:"SERVER"`
	Database database.Config `yaml:"database" env:"DATABASE"`
	Redis    cache.Config    `yaml:"redis" env:"REDIS"`
	Engine   engine.Config   `yaml:"engine" env:"ENGINE"`
	Relay    RelayConfig     `yaml:"relay" env:"RELAY"`
	Workers  pool.Config     `yaml:"workers" env:"WORKERS"`
	Log      LogConfig       `yaml:"log" env:"LOG"`
}

// RelayConfig groups the sync channel sweep and TTL settings.
type RelayConfig struct {
	Sweep   relay.Config        `yaml:"sweep" env:"SWEEP"`
	Emitter relay.EmitterConfig `yaml:"emitter" env:"EMITTER"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format       string   `yaml:"format" env:"FORMAT"`
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// Loader loads configuration with a builder API.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the FLOWMESH env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "FLOWMESH"}
}

// WithConfigPath sets the YAML file to read. A missing file is not an
// error; defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			// Nested configs from other packages carry no env tags;
			// derive keys from the yaml tag instead.
			nestedPrefix := envKey
			if envTag == "" {
				yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
				if yamlTag == "" || yamlTag == "-" {
					continue
				}
				nestedPrefix = prefix + "_" + strings.ToUpper(yamlTag)
			}
			if err := l.setFieldsFromEnv(field, nestedPrefix); err != nil {
				return err
			}
			continue
		}

		if envTag == "" || envTag == "-" {
			yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
			if yamlTag == "" || yamlTag == "-" {
				continue
			}
			envKey = prefix + "_" + strings.ToUpper(yamlTag)
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the configuration or panics. For main() wiring only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints the sub-configs cannot.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server addr is required")
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Engine.Concurrency <= 0 {
		errs = append(errs, "engine concurrency must be positive")
	}
	if c.Relay.Sweep.ScanInterval <= 0 {
		errs = append(errs, "relay scan interval must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
