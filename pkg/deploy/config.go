package deploy

import (
	"log/slog"
	"time"
)

// Config holds client timeouts
type Config struct {
	// HealthTimeout bounds the health gate of Deploy
	HealthTimeout time.Duration `mapstructure:"health_timeout"`

	// InstallTimeout bounds the upload of Deploy
	InstallTimeout time.Duration `mapstructure:"install_timeout"`

	// RequestTimeout bounds service control and status calls
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// GRPCHealthService is the service name sent in gRPC health checks;
	// empty asks for overall server health
	GRPCHealthService string `mapstructure:"grpc_health_service"`
}

// DefaultConfig returns the stock timeouts: 2s health, 10s install
func DefaultConfig() Config {
	return Config{
		HealthTimeout:  2 * time.Second,
		InstallTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Option configures the Client
type Option func(*Client)

// WithConfig replaces the client configuration. Zero timeouts keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		def := DefaultConfig()
		if cfg.HealthTimeout <= 0 {
			cfg.HealthTimeout = def.HealthTimeout
		}
		if cfg.InstallTimeout <= 0 {
			cfg.InstallTimeout = def.InstallTimeout
		}
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = def.RequestTimeout
		}
		c.config = cfg
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
