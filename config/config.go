// Package config loads process-wide settings from the environment.
// github.com/caarlos0/env/v11 parses env vars into the struct;
// github.com/go-playground/validator/v10 enforces the constraints —
// identical split to the teacher's config.Config.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/schemafleet/propagator/internal/domain"
)

// Config holds process-wide settings plus the default PropagationPolicy
// cmd/propagate falls back to when a caller doesn't override a field.
type Config struct {
	Env string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`

	// CatalogDSN is the Postgres connection string for the Catalog
	// registry (internal/catalog). Target connections themselves are
	// resolved per-target via CredentialsRef, never through this DSN.
	CatalogDSN string `env:"CATALOG_DSN,required" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090" validate:"required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	DefaultMaxConcurrency         int           `env:"DEFAULT_MAX_CONCURRENCY" envDefault:"50" validate:"min=1"`
	DefaultMaxRetries             int           `env:"DEFAULT_MAX_RETRIES" envDefault:"3" validate:"min=0"`
	DefaultBaseBackoff            time.Duration `env:"DEFAULT_BASE_BACKOFF" envDefault:"200ms" validate:"required"`
	DefaultMaxBackoff             time.Duration `env:"DEFAULT_MAX_BACKOFF" envDefault:"30s" validate:"required"`
	DefaultPerTargetTimeout       time.Duration `env:"DEFAULT_PER_TARGET_TIMEOUT" envDefault:"20s" validate:"required"`
	DefaultErrorThresholdFraction float64       `env:"DEFAULT_ERROR_THRESHOLD_FRACTION" envDefault:"0.2" validate:"min=0,max=1"`
	DefaultMinSample              int           `env:"DEFAULT_MIN_SAMPLE" envDefault:"20" validate:"min=0"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultPolicy builds the PropagationPolicy cmd/propagate uses when a
// caller submits a job without overriding every field.
func (c *Config) DefaultPolicy() domain.PropagationPolicy {
	return domain.PropagationPolicy{
		MaxConcurrency:         c.DefaultMaxConcurrency,
		MaxRetries:             c.DefaultMaxRetries,
		BaseBackoff:            c.DefaultBaseBackoff,
		MaxBackoff:             c.DefaultMaxBackoff,
		PerTargetTimeout:       c.DefaultPerTargetTimeout,
		ErrorThresholdFraction: c.DefaultErrorThresholdFraction,
		MinSample:              c.DefaultMinSample,
		OnChecksumMismatch:     domain.ChecksumSkip,
	}
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
