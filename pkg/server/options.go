package server

import "log/slog"

// DefaultMaxBodySize bounds request bodies.
const DefaultMaxBodySize = 1 << 20

// Config holds handler configuration.
type Config struct {
	Logger      *slog.Logger
	MaxBodySize int64
}

// Option configures the handler.
type Option func(*Config)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxBodySize limits the size of POST bodies.
func WithMaxBodySize(n int64) Option {
	return func(c *Config) {
		c.MaxBodySize = n
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	return cfg
}
