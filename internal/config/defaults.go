package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath overrides the default config path in tests
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the dispatch configuration directory (~/.config/dispatch on Unix)
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "dispatch"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel         = "DISPATCH_LOG_LEVEL"
	EnvLogFormat        = "DISPATCH_LOG_FORMAT"
	EnvLogOutput        = "DISPATCH_LOG_OUTPUT"
	EnvRouteTimeout     = "DISPATCH_ROUTE_TIMEOUT"
	EnvBuiltinHandlers  = "DISPATCH_BUILTIN_HANDLERS"
	EnvRateLimitEnabled = "DISPATCH_RATE_LIMIT_ENABLED"
	EnvRateLimitPerSec  = "DISPATCH_RATE_LIMIT_PER_SEC"
	EnvRateLimitBurst   = "DISPATCH_RATE_LIMIT_BURST"
	EnvMetricsEnabled   = "DISPATCH_METRICS_ENABLED"
	EnvMetricsAddress   = "DISPATCH_METRICS_ADDRESS"
	EnvTraceEnabled     = "DISPATCH_TRACE_ENABLED"
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMaxScopeLength    = 128
	DefaultMaxThreadIDLength = 200

	// MaxIdentifierLength is the longest identifier text accepted for parsing.
	MaxIdentifierLength = 256

	// MaxThreadIDLengthLimit keeps run_<thread>_<8 hex> within MaxIdentifierLength.
	MaxThreadIDLengthLimit = MaxIdentifierLength - len("run__") - 8

	// MaxScopeLengthLimit keeps the longest generic identifier, a 9 character
	// type with a 20 digit sequence, within MaxIdentifierLength.
	MaxScopeLengthLimit = MaxIdentifierLength - len("execution___") - 20 - 8

	DefaultShutdownTimeout = 10 * time.Second

	DefaultRateLimitPerSec = 20
	DefaultRateLimitBurst  = 40

	DefaultMetricsNamespace = "dispatch"
	DefaultMetricsAddress   = "127.0.0.1:9464"
	DefaultMetricsPath      = "/metrics"

	DefaultTracingServiceName = "dispatch"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultIdentifierConfig returns the default identifier configuration
func DefaultIdentifierConfig() IdentifierConfig {
	return IdentifierConfig{
		MaxScopeLength:    DefaultMaxScopeLength,
		MaxThreadIDLength: DefaultMaxThreadIDLength,
	}
}

// DefaultRouterConfig returns the default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RouteTimeout:    0,
		BuiltinHandlers: true,
		LogMessages:     false,
		StampRunIDs:     true,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:        false,
		MessagesPerSec: DefaultRateLimitPerSec,
		Burst:          DefaultRateLimitBurst,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: DefaultMetricsNamespace,
		Address:   DefaultMetricsAddress,
		Path:      DefaultMetricsPath,
	}
}

// DefaultTracingConfig returns the default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		SampleRate:  1.0,
		Exporter:    "stdout",
		ServiceName: DefaultTracingServiceName,
	}
}
