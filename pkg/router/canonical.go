package router

import (
	"sync"
	"sync/atomic"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
)

// The canonical router is the one instance every entry point resolves to.
var (
	canonicalMu sync.Mutex
	canonical   atomic.Pointer[Router]
)

// Canonical returns the process-wide router, building it on first use from
// the configuration file and environment. It never returns nil: if the
// configuration cannot be loaded the defaults are used.
func Canonical() *Router {
	if r := canonical.Load(); r != nil {
		return r
	}

	canonicalMu.Lock()
	defer canonicalMu.Unlock()

	if r := canonical.Load(); r != nil {
		return r
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Global().Warn("Failed to load configuration for canonical router, using defaults", "error", err)
		cfg = config.Default()
	}

	r, err := FromConfig(cfg)
	if err != nil {
		logger.Global().Error("Failed to build configured canonical router, using defaults", "error", err)
		r, err = New()
		if err != nil {
			// New only fails on invalid built-ins or middleware, and none are passed here.
			panic("router: failed to build default router: " + err.Error())
		}
	}

	canonical.Store(r)
	return r
}

// InitCanonical builds the process-wide router from cfg. It must run before
// anything calls Canonical for cfg to take effect; later calls return the
// existing router unchanged. A nil cfg is read with config.Load.
func InitCanonical(cfg *config.Config, opts ...Option) (*Router, error) {
	canonicalMu.Lock()
	defer canonicalMu.Unlock()

	if r := canonical.Load(); r != nil {
		r.logger.Warn("Canonical router already initialized, ignoring new configuration")
		return r, nil
	}

	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	r, err := FromConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}

	canonical.Store(r)
	return r, nil
}
