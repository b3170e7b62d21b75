// Package config loads service configuration. Defaults are overlaid by an
// optional YAML file, then by KEYGATE_-prefixed environment variables, then
// validated; environment always wins so deployments can override a baked-in
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// KEYGATE_SERVER_PORT.
const EnvPrefix = "keygate"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Pricing   PricingConfig   `yaml:"pricing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects the persistence backend. An empty DSN runs the
// in-memory store, which is enough for development and tests.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" envconfig:"DATABASE_DSN"`
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after" envconfig:"SESSION_STALE_AFTER"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SESSION_SWEEP_INTERVAL"`
}

// PricingConfig holds the sale parameters for self-serve purchases. Prices
// are integers in the smallest currency unit.
type PricingConfig struct {
	BasicPrice   int64 `yaml:"basic_price" envconfig:"PRICING_BASIC_PRICE"`
	PremiumPrice int64 `yaml:"premium_price" envconfig:"PRICING_PREMIUM_PRICE"`
	DurationDays int   `yaml:"duration_days" envconfig:"PRICING_DURATION_DAYS"`
	MaxSessions  int   `yaml:"max_sessions" envconfig:"PRICING_MAX_SESSIONS"`
}

// RateLimitConfig throttles the public API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" envconfig:"RATE_LIMIT_BURST"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOGGING_LEVEL"`
	Format string `yaml:"format" envconfig:"LOGGING_FORMAT"` // json or text
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			StaleAfter:    60 * time.Second,
			SweepInterval: 60 * time.Second,
		},
		Pricing: PricingConfig{
			BasicPrice:   1000,
			PremiumPrice: 2500,
			DurationDays: 30,
			MaxSessions:  1,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty and the file exists) and environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine, defaults plus env apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the service assumes.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Session.StaleAfter <= 0 {
		return fmt.Errorf("session stale_after must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep_interval must be positive")
	}
	if c.Pricing.BasicPrice <= 0 || c.Pricing.PremiumPrice <= 0 {
		return fmt.Errorf("prices must be positive")
	}
	if c.Pricing.DurationDays <= 0 {
		return fmt.Errorf("pricing duration_days must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format %q not supported", c.Logging.Format)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// PriceFor returns the list price for a tier name, or ok=false for unknown
// tiers.
func (c PricingConfig) PriceFor(tier string) (int64, bool) {
	switch tier {
	case "basic":
		return c.BasicPrice, true
	case "premium":
		return c.PremiumPrice, true
	default:
		return 0, false
	}
}
