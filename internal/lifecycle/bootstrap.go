// Package lifecycle brings the dispatch core up and takes it down again for
// the long-running CLI commands.
package lifecycle

import (
	"context"
	"time"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/router"
	"github.com/baaaht/dispatch/pkg/telemetry"
	"github.com/baaaht/dispatch/pkg/types"
)

// DefaultVersion is the version reported by the CLI
const DefaultVersion = "0.1.0"

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config  *config.Config
	Logger  *logger.Logger
	Version string
	// Options are passed to the canonical router on construction.
	Options []router.Option
}

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Router    *router.Router
	StartedAt time.Time
	Duration  time.Duration
	Version   string

	// ShutdownTracing flushes and stops the tracer provider.
	ShutdownTracing func(context.Context) error
}

// Bootstrap installs tracing, builds the canonical router from the
// configuration and starts it.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	startedAt := time.Now()

	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}
	log := logger.OrDefault(cfg.Logger).With("component", "bootstrap")

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Config.Tracing)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to set up tracing", err)
	}

	r, err := router.InitCanonical(cfg.Config, cfg.Options...)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create router", err)
	}

	if err := r.Start(ctx); err != nil {
		_ = shutdownTracing(ctx)
		return nil, types.WrapError(types.ErrCodeInternal, "failed to start router", err)
	}

	result := &BootstrapResult{
		Router:          r,
		StartedAt:       startedAt,
		Duration:        time.Since(startedAt),
		Version:         cfg.Version,
		ShutdownTracing: shutdownTracing,
	}

	log.Info("Dispatch core bootstrapped",
		"version", result.Version,
		"duration", result.Duration.String(),
		"handlers", len(r.Handlers()))
	return result, nil
}
