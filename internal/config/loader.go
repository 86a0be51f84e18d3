package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/baaaht/dispatch/pkg/types"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 4 {
			return parts[3]
		}
		return ""
	})
}

// validateFilePath checks that the path is non-empty and has a YAML extension
func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}

	return nil
}

// validateYAMLContent rejects empty files and YAML syntax errors with file context
func validateYAMLContent(data []byte, path string) error {
	if strings.TrimSpace(string(data)) == "" {
		return types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file.
// Fields missing from the file keep their defaults; string values may
// reference the environment with ${VAR} or ${VAR:-default}.
func LoadFromFile(path string) (*Config, error) {
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	if err := validateYAMLContent(data, path); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "failed to parse YAML configuration from "+path, err)
	}

	interpolateEnvVarsInConfig(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}

	return cfg, nil
}

// interpolateEnvVarsInConfig interpolates environment variables in all string fields
func interpolateEnvVarsInConfig(cfg *Config) {
	cfg.Logging.Level = interpolateEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = interpolateEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)

	cfg.Metrics.Namespace = interpolateEnvVars(cfg.Metrics.Namespace)
	cfg.Metrics.Address = interpolateEnvVars(cfg.Metrics.Address)
	cfg.Metrics.Path = interpolateEnvVars(cfg.Metrics.Path)

	cfg.Tracing.Exporter = interpolateEnvVars(cfg.Tracing.Exporter)
	cfg.Tracing.ServiceName = interpolateEnvVars(cfg.Tracing.ServiceName)
}
