// Package config loads server configuration from the environment,
// optionally seeded by a .env file. Priority: env vars > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// HTTP surface. TLS is enabled when both key and cert are set;
	// otherwise the server listens in plaintext on HTTPPort.
	HTTPPort  int    `env:"CB_HTTP_PORT" envDefault:"8080"`
	HTTPSPort int    `env:"CB_HTTPS_PORT" envDefault:"8443"`
	HTTPSKey  string `env:"CB_HTTPS_KEY"`
	HTTPSCert string `env:"CB_HTTPS_CERT"`

	// Store driver: memory or dynamo.
	StoreDriver    string `env:"CB_STORE_DRIVER" envDefault:"memory"`
	DynamoTable    string `env:"CB_DYNAMO_TABLE"`
	DynamoRegion   string `env:"CB_DYNAMO_REGION" envDefault:"us-east-1"`
	DynamoEndpoint string `env:"CB_DYNAMO_ENDPOINT"`

	// Session token signing secret. Required outside development.
	SessionSigningKey string        `env:"CB_SESSION_SIGNING_KEY"`
	SessionTTL        time.Duration `env:"CB_SESSION_TTL" envDefault:"24h"`

	// Server key-agreement private key seed, hex. Generated at boot
	// when empty (key validation then breaks across restarts).
	ServerKeySeed string `env:"CB_SERVER_KEY_SEED"`

	// Optional cross-node relay.
	NATSURL string `env:"CB_NATS_URL"`

	// Capacity and admission.
	MaxConnections     int     `env:"CB_MAX_CONNECTIONS" envDefault:"10000"`
	CPURejectThreshold float64 `env:"CB_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Per-connection action pacing: bucket capacity and refill per
	// second. Only the 429 retryDelay of 1000ms is visible externally.
	RateBurst  int     `env:"CB_RATE_BURST" envDefault:"100"`
	RateRefill float64 `env:"CB_RATE_REFILL" envDefault:"25"`

	// Upgrade admission rate limits.
	ConnRateIPBurst     int     `env:"CB_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate      float64 `env:"CB_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst int     `env:"CB_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate  float64 `env:"CB_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Monitoring.
	MetricsInterval time.Duration `env:"CB_METRICS_INTERVAL" envDefault:"15s"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("CB_HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.HTTPSPort < 1 || c.HTTPSPort > 65535 {
		return fmt.Errorf("CB_HTTPS_PORT out of range: %d", c.HTTPSPort)
	}
	if (c.HTTPSKey == "") != (c.HTTPSCert == "") {
		return fmt.Errorf("CB_HTTPS_KEY and CB_HTTPS_CERT must be set together")
	}
	switch c.StoreDriver {
	case "memory":
	case "dynamo":
		if c.DynamoTable == "" {
			return fmt.Errorf("CB_DYNAMO_TABLE is required with the dynamo driver")
		}
	default:
		return fmt.Errorf("CB_STORE_DRIVER must be memory or dynamo, got %q", c.StoreDriver)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CB_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CB_CPU_REJECT_THRESHOLD must be in (0,100], got %.1f", c.CPURejectThreshold)
	}
	if c.RateBurst < 1 || c.RateRefill <= 0 {
		return fmt.Errorf("rate bucket parameters must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// TLSEnabled reports whether the HTTPS listener should be used.
func (c *Config) TLSEnabled() bool {
	return c.HTTPSKey != "" && c.HTTPSCert != ""
}

// Addr returns the listen address for the active listener.
func (c *Config) Addr() string {
	if c.TLSEnabled() {
		return fmt.Sprintf(":%d", c.HTTPSPort)
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("http_port", c.HTTPPort).
		Int("https_port", c.HTTPSPort).
		Bool("tls", c.TLSEnabled()).
		Str("store_driver", c.StoreDriver).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int("rate_burst", c.RateBurst).
		Float64("rate_refill", c.RateRefill).
		Dur("session_ttl", c.SessionTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
