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

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Policy        PolicyConfig        `yaml:"policy"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
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

// DefinitionsConfig describes where workflow definitions live.
type DefinitionsConfig struct {
	Directories     []string `yaml:"directories"`
	DefaultWorkflow string   `yaml:"default_workflow"`
	// ReloadOnSignal reloads definitions and policy on SIGHUP.
	ReloadOnSignal bool `yaml:"reload_on_signal"`
}

// StoreConfig describes workflow instance persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig describes the Redis read-through instance cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RedisAddrEnv string        `yaml:"redis_addr_env"`
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"`

	// Consecutive Redis failures before reads bypass the cache, and how
	// long they bypass it before probing again.
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// IdempotencyConfig describes Idempotency-Key handling for write endpoints.
// The Redis connection is shared with the cache when configured.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// PolicyConfig describes the role capability policy.
type PolicyConfig struct {
	File       string        `yaml:"file"`
	AdminRoles []string      `yaml:"admin_roles"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// ReconcileConfig describes the periodic reconcile sweep. A zero interval
// disables it.
type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
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
				AllowedHeaders: []string{"Content-Type", "X-Actor-Id", "X-Actor-Role",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Definitions: DefinitionsConfig{
			Directories:    []string{"definitions"},
			ReloadOnSignal: true,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "REVIEWFLOW_DATABASE_URL",
			SQLitePath:      "reviewflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			RedisAddrEnv:     "REVIEWFLOW_REDIS_ADDR",
			TTL:              30 * time.Second,
			FailureThreshold: 5,
			Cooldown:         10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
		Policy: PolicyConfig{
			AdminRoles: []string{"ADMIN"},
			CacheTTL:   5 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Concurrency: 4,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
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
		errs = append(errs, "definitions.directories must not be empty")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	if (c.Cache.Enabled || c.Idempotency.Enabled) && c.Cache.RedisAddrEnv == "" {
		errs = append(errs, "cache.redis_addr_env is required when the cache or idempotency is enabled")
	}
	if c.Reconcile.Interval < 0 {
		errs = append(errs, "reconcile.interval must not be negative")
	}
	if c.Reconcile.Concurrency < 1 {
		errs = append(errs, "reconcile.concurrency must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string from the configured
// environment variable.
func (s StoreConfig) DSN() string {
	return os.Getenv(s.DSNEnv)
}

// RedisAddr returns the Redis address from the configured environment
// variable.
func (c CacheConfig) RedisAddr() string {
	return os.Getenv(c.RedisAddrEnv)
}

// applyEnvOverrides reads REVIEWFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REVIEWFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REVIEWFLOW_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("REVIEWFLOW_DEFAULT_WORKFLOW"); v != "" {
		cfg.Definitions.DefaultWorkflow = v
	}
	if v := os.Getenv("REVIEWFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("REVIEWFLOW_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("REVIEWFLOW_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = b
		}
	}
	if v := os.Getenv("REVIEWFLOW_POLICY_FILE"); v != "" {
		cfg.Policy.File = v
	}
	if v := os.Getenv("REVIEWFLOW_ADMIN_ROLES"); v != "" {
		cfg.Policy.AdminRoles = strings.Split(v, ",")
	}
	if v := os.Getenv("REVIEWFLOW_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconcile.Interval = d
		}
	}
	if v := os.Getenv("REVIEWFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
