// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Compliance    ComplianceConfig    `yaml:"compliance"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DefinitionsConfig describes where to find machine definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// ReloadInterval re-reads the directories periodically when positive.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// StoreConfig describes entity workflow state persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // memory | postgres
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"` // memory | redis
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotificationsConfig describes where transition events are sent.
type NotificationsConfig struct {
	Driver         string               `yaml:"driver"` // log | redis
	AddrEnv        string               `yaml:"addr_env"`
	DB             int                  `yaml:"db"`
	Stream         string               `yaml:"stream"`
	MaxLen         int64                `yaml:"max_len"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for the dispatcher.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ComplianceConfig describes the background SLA sweep.
type ComplianceConfig struct {
	SweepEnabled     bool          `yaml:"sweep_enabled"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" for production or "console" for local runs.
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Actor-Id", "X-Actor-Roles",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "PRAVASI_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "PRAVASI_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notifications: NotificationsConfig{
			Driver:  "log",
			AddrEnv: "PRAVASI_REDIS_ADDR",
			Stream:  "pravasi:transitions",
			MaxLen:  100000,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Compliance: ComplianceConfig{
			SweepEnabled:     true,
			SweepInterval:    15 * time.Minute,
			SweepConcurrency: 8,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
		}
	}
	switch c.Notifications.Driver {
	case "log":
	case "redis":
		if c.Notifications.Stream == "" {
			errs = append(errs, "notifications.stream is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported (log, redis)", c.Notifications.Driver))
	}
	if c.Compliance.SweepEnabled {
		if c.Compliance.SweepInterval <= 0 {
			errs = append(errs, "compliance.sweep_interval must be positive")
		}
		if c.Compliance.SweepConcurrency < 1 {
			errs = append(errs, "compliance.sweep_concurrency must be at least 1")
		}
	}

	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not supported (json, console)", c.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// envOverrides maps PRAVASI_* variables onto config fields. Values that do
// not parse are ignored and the file value stands.
var envOverrides = map[string]func(*Config, string){
	"PRAVASI_SERVER_PORT": func(c *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	},
	"PRAVASI_DEFINITIONS_DIRS": func(c *Config, v string) {
		c.Definitions.Directories = strings.Split(v, ",")
	},
	"PRAVASI_STORE_DRIVER":         func(c *Config, v string) { c.Store.Driver = v },
	"PRAVASI_NOTIFICATIONS_DRIVER": func(c *Config, v string) { c.Notifications.Driver = v },
	"PRAVASI_COMPLIANCE_SWEEP_INTERVAL": func(c *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil {
			c.Compliance.SweepInterval = d
		}
	},
	"PRAVASI_OBSERVABILITY_LOG_LEVEL":  func(c *Config, v string) { c.Observability.LogLevel = v },
	"PRAVASI_OBSERVABILITY_LOG_FORMAT": func(c *Config, v string) { c.Observability.LogFormat = v },
}

func applyEnvOverrides(cfg *Config) {
	for name, apply := range envOverrides {
		if v := os.Getenv(name); v != "" {
			apply(cfg, v)
		}
	}
}
