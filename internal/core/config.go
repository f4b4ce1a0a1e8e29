package core

import (
	"context"
	"log/slog"

	"github.com/eteran/blobsilo/internal/auth"
	"github.com/eteran/blobsilo/internal/blob"
)

type Config struct {
	Store   *blob.Store
	Sweeper *blob.Sweeper

	// MaskErrors replaces error messages returned to callers with a fixed
	// text per error code.
	MaskErrors bool

	// Authenticator guards every route except the health check. Nil
	// disables authentication.
	Authenticator auth.AuthEngine

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string

	// HealthCheck reports whether the server's dependencies are reachable.
	HealthCheck func(ctx context.Context) error

	Logger *slog.Logger
}

type ConfigOption func(*Config)

func WithStore(store *blob.Store) ConfigOption {
	return func(cfg *Config) {
		cfg.Store = store
	}
}

func WithSweeper(sweeper *blob.Sweeper) ConfigOption {
	return func(cfg *Config) {
		cfg.Sweeper = sweeper
	}
}

func WithMaskErrors(mask bool) ConfigOption {
	return func(cfg *Config) {
		cfg.MaskErrors = mask
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithAllowedOrigins(origins ...string) ConfigOption {
	return func(cfg *Config) {
		cfg.AllowedOrigins = origins
	}
}

func WithHealthCheck(check func(ctx context.Context) error) ConfigOption {
	return func(cfg *Config) {
		cfg.HealthCheck = check
	}
}

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
