// Package config loads the pantry server configuration from YAML with
// PANTRY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DriverBolt selects the embedded bbolt store instead of a SQL database.
const DriverBolt = "bolt"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Logger   LoggerConfig   `yaml:"logger"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// GinMode is passed to gin.SetMode: debug, release or test.
	GinMode string `yaml:"gin_mode"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DatabaseConfig selects the store backend. Driver is one of sqlite3,
// postgres, mysql or bolt; for bolt, DSN is the database file path.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	LogMode bool   `yaml:"log_mode"`
}

type StoreConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type LoggerConfig struct {
	// Mode is production or development.
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Workers  int    `yaml:"workers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			GinMode: "release",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "pantry.db",
		},
		Store: StoreConfig{
			MaxAttempts:  5,
			RetryBackoff: 10 * time.Millisecond,
		},
		Logger: LoggerConfig{
			Mode:     "development",
			Filename: "logs/pantry.log",
		},
		Audit: AuditConfig{
			Enabled:  true,
			Schedule: "@every 1h",
			Workers:  4,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from PANTRY_<SECTION>_<KEY> variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var firstErr error
	set := func(key string, apply func(v string) error) {
		v, ok := lookup("PANTRY_" + key)
		if !ok || firstErr != nil {
			return
		}
		if err := apply(strings.TrimSpace(v)); err != nil {
			firstErr = fmt.Errorf("env PANTRY_%s: %w", key, err)
		}
	}
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToIntE(v); return }
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToBoolE(v); return }
	}

	set("SERVER_HOST", str(&c.Server.Host))
	set("SERVER_PORT", integer(&c.Server.Port))
	set("SERVER_GIN_MODE", str(&c.Server.GinMode))
	set("METRICS_ENABLED", boolean(&c.Metrics.Enabled))
	set("METRICS_PORT", integer(&c.Metrics.Port))
	set("METRICS_PATH", str(&c.Metrics.Path))
	set("DATABASE_DRIVER", str(&c.Database.Driver))
	set("DATABASE_DSN", str(&c.Database.DSN))
	set("DATABASE_LOG_MODE", boolean(&c.Database.LogMode))
	set("STORE_MAX_ATTEMPTS", integer(&c.Store.MaxAttempts))
	set("STORE_RETRY_BACKOFF", func(v string) (err error) {
		c.Store.RetryBackoff, err = cast.ToDurationE(v)
		return
	})
	set("LOGGER_MODE", str(&c.Logger.Mode))
	set("LOGGER_FILE_ENABLE", boolean(&c.Logger.FileEnable))
	set("LOGGER_FILENAME", str(&c.Logger.Filename))
	set("AUDIT_ENABLED", boolean(&c.Audit.Enabled))
	set("AUDIT_SCHEDULE", str(&c.Audit.Schedule))
	set("AUDIT_WORKERS", integer(&c.Audit.Workers))
	return firstErr
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "mysql", DriverBolt:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.Port)
	}
	if c.Store.MaxAttempts <= 0 {
		return fmt.Errorf("store max_attempts must be positive")
	}
	if c.Store.RetryBackoff < 0 {
		return fmt.Errorf("store retry_backoff must not be negative")
	}
	if c.Logger.FileEnable && c.Logger.Filename == "" {
		return fmt.Errorf("logger filename is required when file_enable is set")
	}
	if c.Audit.Enabled {
		if c.Audit.Schedule == "" {
			return fmt.Errorf("audit schedule is required when audit is enabled")
		}
		if c.Audit.Workers <= 0 {
			return fmt.Errorf("audit workers must be positive")
		}
	}
	return nil
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MetricsAddr returns the metrics listen address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Metrics.Port)
}
