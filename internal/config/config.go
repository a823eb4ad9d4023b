// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"./data/mailbrain.db"`

	// Jobs broker, optional. Jobs stay in the outbox until it is set.
	NatsURL          string        `env:"NATS_URL"`
	DispatchInterval time.Duration `env:"DISPATCH_INTERVAL" envDefault:"500ms"`

	// Sync
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"`
	SyncConcurrency  int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	SyncBackfillDays int           `env:"SYNC_BACKFILL_DAYS" envDefault:"3"`
	SyncOverlap      time.Duration `env:"SYNC_OVERLAP" envDefault:"24h"`
	SyncBatchSize    int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`

	// OAuth clients
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	MsftClientID       string `env:"MSFT_CLIENT_ID"`
	MsftClientSecret   string `env:"MSFT_CLIENT_SECRET"`
	MsftTenantID       string `env:"MSFT_TENANT_ID" envDefault:"common"`

	// API
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	JWKSURL   string `env:"JWKS_URL"`   // verifies bearer tokens when set
	JWTSecret string `env:"JWT_SECRET"` // HS256 fallback when JWKS_URL is unset

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Backfill is how far back the first sync of an account reaches.
func (c *Config) Backfill() time.Duration {
	return time.Duration(c.SyncBackfillDays) * 24 * time.Hour
}

// AuthEnabled reports whether the API verifies bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.JWKSURL != "" || c.JWTSecret != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "sqlite3", "pgx":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite, sqlite3 or pgx, got %q", c.DatabaseDriver)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be at least 1, got %d", c.SyncConcurrency)
	}
	if c.SyncBackfillDays < 1 {
		return fmt.Errorf("SYNC_BACKFILL_DAYS must be at least 1, got %d", c.SyncBackfillDays)
	}
	if c.SyncBatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1, got %d", c.SyncBatchSize)
	}
	return nil
}
