// Package server provides configuration helpers that define runtime defaults,
// environment loading, and validation for the switchyard server.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/switchyard/internal/logging"
)

// RateLimitConfig defines per-channel inbound message rate limiting.
// A Burst of zero disables the limiter.
type RateLimitConfig struct {
	Burst          int           `env:"WS_RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"WS_RATE_LIMIT_INTERVAL"`
}

// Config holds the listener, transport and channel settings.
type Config struct {
	Host       string `env:"SERVER_HOST"`
	Port       int    `env:"SERVER_PORT"`
	UnixSocket string `env:"SERVER_UNIX_SOCKET"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	ReadTimeout     time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`

	CORSOrigin      string   `env:"CORS_ORIGIN"`
	CORSMethods     []string `env:"CORS_METHODS" envSeparator:","`
	CORSHeaders     []string `env:"CORS_HEADERS" envSeparator:","`
	CORSCredentials string   `env:"CORS_CREDENTIALS"`

	MaxMessageSize int64 `env:"WS_MAX_MESSAGE_SIZE"`
	SendBuffer     int   `env:"WS_SEND_BUFFER"`
	RateLimit      RateLimitConfig

	MetricsAddr string `env:"METRICS_ADDR"`

	Log logging.Config
}

func defaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxMessageSize:  1 << 20,
		SendBuffer:      256,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// sanitize replaces unusable values with defaults.
func (c Config) sanitize() Config {
	d := defaultConfig()

	if c.Port < 0 || c.Port > 65535 {
		c.Port = d.Port
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	return c
}

// Addr returns the host:port the TCP listener binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether both certificate and key files are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// corsConfig derives the CORS policy from the string settings. It returns nil
// when no origin is configured.
func (c Config) corsConfig() (*CORSConfig, error) {
	if c.CORSOrigin == "" {
		return nil, nil
	}
	rule, err := ParseOriginRule(c.CORSOrigin)
	if err != nil {
		return nil, err
	}
	return &CORSConfig{
		Origin:      rule,
		Methods:     c.CORSMethods,
		Headers:     c.CORSHeaders,
		Credentials: c.CORSCredentials,
	}, nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, loading a
// .env file from the working directory first when one exists. Unset
// variables keep their defaults.
func NewConfigFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg = cfg.sanitize()
	return &cfg, nil
}
