// Package config provides configuration management for scanledger.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/scanledger/internal/api/gateway"
	"github.com/lvonguyen/scanledger/internal/importer"
	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/observability"
	"github.com/lvonguyen/scanledger/internal/source"
	"github.com/lvonguyen/scanledger/internal/store"
	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

// Environment overrides, applied after the file is read.
const (
	EnvDatabaseDriver = "SCANLEDGER_DATABASE_DRIVER"
	EnvDatabaseDSN    = "SCANLEDGER_DATABASE_DSN"
	EnvRedisAddr      = "SCANLEDGER_REDIS_ADDR"
	EnvLogLevel       = "SCANLEDGER_LOG_LEVEL"
)

// Config holds all scanledger configuration.
type Config struct {
	Server         ServerConfig            `yaml:"server"`
	Redis          RedisConfig             `yaml:"redis"`
	RateLimit      gateway.RateLimitConfig `yaml:"rate_limit"`
	Database       store.Config            `yaml:"database"`
	Ingestion      ingestion.Config        `yaml:"ingestion"`
	Import         importer.Config         `yaml:"import"`
	Source         source.Config           `yaml:"source"`
	VendorPatterns VendorPatternsConfig    `yaml:"vendor_patterns"`
	Telemetry      observability.Config    `yaml:"telemetry"`
	Logging        LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" validate:"gte=0"`
}

// RedisConfig holds Redis connection settings for the aggregation cache and
// the API rate limiter. An empty Addr disables both.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db" validate:"gte=0"`
	PoolSize    int           `yaml:"pool_size" validate:"gte=0"`
	CacheTTL    time.Duration `yaml:"cache_ttl" validate:"required_with=Addr"`
	KeyPrefix   string        `yaml:"key_prefix" validate:"required_with=Addr"`
}

// Password reads the Redis password from the configured environment variable.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// VendorPatternsConfig locates the vendor pattern file.
type VendorPatternsConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"` // debug, info, warn, error
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`         // json, console
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates the result. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseDriver); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v, ok := os.LookupEnv(EnvRedisAddr); ok {
		c.Redis.Addr = v
	}
	if v := os.Getenv(vendorpattern.EnvPath); v != "" {
		c.VendorPatterns.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TelemetryConfig returns the telemetry section with the logging settings applied.
func (c *Config) TelemetryConfig() observability.Config {
	t := c.Telemetry
	if c.Logging.Level != "" {
		t.LogLevel = c.Logging.Level
	}
	if c.Logging.Format != "" {
		t.LogFormat = c.Logging.Format
	}
	return t
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  256 << 20,
		},
		Redis: RedisConfig{
			DB:        0,
			PoolSize:  10,
			CacheTTL:  1 * time.Hour,
			KeyPrefix: "scanledger:agg",
		},
		RateLimit:      gateway.DefaultRateLimitConfig(),
		Database:       store.DefaultConfig(),
		Ingestion:      ingestion.DefaultConfig(),
		Import:         importer.DefaultConfig(),
		VendorPatterns: VendorPatternsConfig{Path: vendorpattern.DefaultPath},
		Telemetry:      observability.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
