package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/baaaht/dispatch/pkg/types"
)

// Config represents the complete configuration for the dispatch core
type Config struct {
	Logging     LoggingConfig    `json:"logging" yaml:"logging"`
	Identifiers IdentifierConfig `json:"identifiers" yaml:"identifiers"`
	Router      RouterConfig     `json:"router" yaml:"router"`
	RateLimit   RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Metrics     MetricsConfig    `json:"metrics" yaml:"metrics"`
	Tracing     TracingConfig    `json:"tracing" yaml:"tracing"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// IdentifierConfig contains identifier manager configuration
type IdentifierConfig struct {
	// MaxScopeLength bounds the scope segment of generated IDs.
	MaxScopeLength int `json:"max_scope_length" yaml:"max_scope_length"`
	// MaxThreadIDLength bounds thread IDs accepted for run ID generation.
	MaxThreadIDLength int `json:"max_thread_id_length" yaml:"max_thread_id_length"`
}

// RouterConfig contains message router configuration
type RouterConfig struct {
	// RouteTimeout is applied to each Route call when the caller's context has no deadline. Zero disables it.
	RouteTimeout    time.Duration `json:"route_timeout" yaml:"route_timeout"`
	BuiltinHandlers bool          `json:"builtin_handlers" yaml:"builtin_handlers"`
	LogMessages     bool          `json:"log_messages" yaml:"log_messages"`
	StampRunIDs     bool          `json:"stamp_run_ids" yaml:"stamp_run_ids"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RateLimitConfig contains per-user rate limit configuration
type RateLimitConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	MessagesPerSec float64 `json:"messages_per_sec" yaml:"messages_per_sec"`
	Burst          int     `json:"burst" yaml:"burst"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Address   string `json:"address" yaml:"address"`
	Path      string `json:"path" yaml:"path"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // stdout, none
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// Default returns a configuration with every section at its default
func Default() *Config {
	return &Config{
		Logging:     DefaultLoggingConfig(),
		Identifiers: DefaultIdentifierConfig(),
		Router:      DefaultRouterConfig(),
		RateLimit:   DefaultRateLimitConfig(),
		Metrics:     DefaultMetricsConfig(),
		Tracing:     DefaultTracingConfig(),
	}
}

// applyDefaults fills in zero-valued fields left out of a partial YAML file
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}

	if cfg.Identifiers.MaxScopeLength == 0 {
		cfg.Identifiers.MaxScopeLength = def.Identifiers.MaxScopeLength
	}
	if cfg.Identifiers.MaxThreadIDLength == 0 {
		cfg.Identifiers.MaxThreadIDLength = def.Identifiers.MaxThreadIDLength
	}

	if cfg.Router.ShutdownTimeout == 0 {
		cfg.Router.ShutdownTimeout = def.Router.ShutdownTimeout
	}

	if cfg.RateLimit.MessagesPerSec == 0 {
		cfg.RateLimit.MessagesPerSec = def.RateLimit.MessagesPerSec
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = def.Metrics.Namespace
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = def.Metrics.Address
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = def.Tracing.Exporter
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = def.Tracing.SampleRate
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvRouteTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRouteTimeout, err)
		}
		cfg.Router.RouteTimeout = d
	}
	if v := os.Getenv(EnvBuiltinHandlers); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBuiltinHandlers, err)
		}
		cfg.Router.BuiltinHandlers = b
	}

	if v := os.Getenv(EnvRateLimitEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRateLimitEnabled, err)
		}
		cfg.RateLimit.Enabled = b
	}
	if v := os.Getenv(EnvRateLimitPerSec); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRateLimitPerSec, err)
		}
		cfg.RateLimit.MessagesPerSec = f
	}
	if v := os.Getenv(EnvRateLimitBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRateLimitBurst, err)
		}
		cfg.RateLimit.Burst = n
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMetricsEnabled, err)
		}
		cfg.Metrics.Enabled = b
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	if v := os.Getenv(EnvTraceEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvTraceEnabled, err)
		}
		cfg.Tracing.Enabled = b
	}

	return nil
}

// Load creates a new Config from the default config file, if present,
// then overrides it with environment variables
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("failed to check config file: %w", statErr)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug":   true,
		"info":    true,
		"warn":    true,
		"warning": true,
		"error":   true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log level: "+c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log format: "+c.Logging.Format)
	}

	if c.Identifiers.MaxScopeLength <= 0 || c.Identifiers.MaxScopeLength > MaxScopeLengthLimit {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("identifier max scope length must be between 1 and %d", MaxScopeLengthLimit))
	}
	if c.Identifiers.MaxThreadIDLength <= 0 || c.Identifiers.MaxThreadIDLength > MaxThreadIDLengthLimit {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("identifier max thread id length must be between 1 and %d", MaxThreadIDLengthLimit))
	}

	if c.Router.RouteTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "router route timeout cannot be negative")
	}
	if c.Router.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "router shutdown timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MessagesPerSec <= 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "rate limit messages per second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "rate limit burst must be positive")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics namespace cannot be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return types.NewError(types.ErrCodeInvalidArgument, "tracing sample rate must be between 0 and 1")
		}
		if c.Tracing.Exporter != "stdout" && c.Tracing.Exporter != "none" {
			return types.NewError(types.ErrCodeInvalidArgument, "invalid tracing exporter: "+c.Tracing.Exporter)
		}
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Router: %s, RateLimit: %s, Metrics: %s, Tracing: %s}",
		c.Logging, c.Router, c.RateLimit, c.Metrics, c.Tracing)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c RouterConfig) String() string {
	return fmt.Sprintf("RouterConfig{RouteTimeout: %s, BuiltinHandlers: %t, StampRunIDs: %t}",
		c.RouteTimeout, c.BuiltinHandlers, c.StampRunIDs)
}

func (c RateLimitConfig) String() string {
	return fmt.Sprintf("RateLimitConfig{Enabled: %t, MessagesPerSec: %g, Burst: %d}",
		c.Enabled, c.MessagesPerSec, c.Burst)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %t, Namespace: %s, Address: %s%s}",
		c.Enabled, c.Namespace, c.Address, c.Path)
}

func (c TracingConfig) String() string {
	return fmt.Sprintf("TracingConfig{Enabled: %t, Exporter: %s, SampleRate: %g}",
		c.Enabled, c.Exporter, c.SampleRate)
}
