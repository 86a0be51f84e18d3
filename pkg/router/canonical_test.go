package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/ids"
	"github.com/baaaht/dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetCanonical clears the process-wide router and points configuration
// loading at a file that does not exist.
func resetCanonical(t *testing.T) {
	t.Helper()

	logger.SetGlobal(logger.NewNop())
	config.SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))

	canonicalMu.Lock()
	canonical.Store(nil)
	canonicalMu.Unlock()

	t.Cleanup(func() {
		canonicalMu.Lock()
		if r := canonical.Load(); r != nil {
			_ = r.Stop(context.Background())
		}
		canonical.Store(nil)
		canonicalMu.Unlock()
		config.SetTestConfigPath("")
		logger.SetGlobal(nil)
	})
}

func TestCanonicalSameInstance(t *testing.T) {
	resetCanonical(t)

	a := Canonical()
	b := Canonical()
	require.NotNil(t, a)
	assert.Same(t, a, b)

	h := newCountingHandler("shared", types.MessageTypeUser)
	require.NoError(t, a.AddHandler(h))

	var found bool
	for _, d := range b.Handlers() {
		if d.Handler == MessageHandler(h) {
			found = true
		}
	}
	assert.True(t, found, "handlers added through one reference are visible through the other")
}

func TestCanonicalConcurrentFirstUse(t *testing.T) {
	resetCanonical(t)

	const n = 64
	got := make([]*Router, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Canonical()
		}(i)
	}
	wg.Wait()

	for _, r := range got {
		assert.Same(t, got[0], r)
	}
}

func TestInitCanonical(t *testing.T) {
	resetCanonical(t)

	cfg := config.Default()
	cfg.Router.BuiltinHandlers = false
	cfg.Router.LogMessages = true

	r, err := InitCanonical(cfg)
	require.NoError(t, err)
	assert.Same(t, r, Canonical())
	assert.Empty(t, r.Handlers())
	assert.Equal(t, 1, r.Statistics().Middleware)

	again, err := InitCanonical(config.Default())
	require.NoError(t, err)
	assert.Same(t, r, again, "later initialization returns the existing router")
	assert.Empty(t, again.Handlers())
}

func TestInitCanonicalInvalidConfig(t *testing.T) {
	resetCanonical(t)

	cfg := config.Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Burst = 0

	_, err := InitCanonical(cfg)
	assert.Error(t, err)

	r := Canonical()
	assert.NotNil(t, r, "a failed initialization leaves the accessor usable")
}

func TestFromConfigWiresMiddleware(t *testing.T) {
	resetCanonical(t)

	cfg := config.Default()
	cfg.Router.LogMessages = true
	cfg.RateLimit.Enabled = true
	cfg.Tracing.Enabled = true

	r, err := FromConfig(cfg, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Statistics().Middleware)
}

func TestIDMetricsObserverFollowsLifecycle(t *testing.T) {
	resetCanonical(t)

	cfg := config.Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "test_observer"
	m := ids.NewManager(config.DefaultIdentifierConfig(), logger.NewNop())

	for i := 0; i < 3; i++ {
		_, err := FromConfig(cfg, WithLogger(logger.NewNop()), WithIDManager(m))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, m.Observers(), "routers that never start do not observe ids")

	r, err := FromConfig(cfg, WithLogger(logger.NewNop()), WithIDManager(m))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, m.Observers())

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, 0, m.Observers())

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, m.Observers())
	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, 0, m.Observers())
}

func TestLegacyDispatcherForwards(t *testing.T) {
	resetCanonical(t)

	var d Dispatcher = NewLegacyDispatcher()
	canon := Canonical()
	assert.Same(t, canon, NewLegacyDispatcher().Router())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateRunning, canon.State())

	h := newCountingHandler("legacy", types.MessageTypeUser)
	require.NoError(t, d.AddHandler(h))
	require.NoError(t, d.BindThread("alice", "t1"))
	bound, ok := canon.BoundThread("alice")
	assert.True(t, ok)
	assert.Equal(t, "t1", bound)

	delivery, err := canon.Route(ctx, "alice", nil, &types.Envelope{Type: types.MessageTypeUser})
	require.NoError(t, err)
	assert.Equal(t, DeliveryHandled, delivery)

	assert.Equal(t, canon.Statistics(), d.Statistics(), "the adapter keeps no statistics of its own")
	assert.Equal(t, len(canon.Handlers()), len(d.Handlers()))

	assert.True(t, d.RemoveHandler(h))
	d.UnbindThread("alice")
	_, ok = d.BoundThread("alice")
	assert.False(t, ok)

	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, StateStopped, canon.State())
}

func TestDispatcherConformance(t *testing.T) {
	resetCanonical(t)

	for name, d := range map[string]Dispatcher{
		"router": Canonical(),
		"legacy": NewLegacyDispatcher(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, StateStopped, d.State())
			assert.NoError(t, d.Use(NewMetadataMiddleware(map[string]string{"entry": name})))
			assert.NoError(t, d.AddHandlerWithPriority(newCountingHandler(name, types.MessageTypeAgent), 1))
		})
	}

	stats := Canonical().Statistics()
	assert.Equal(t, 2, stats.Middleware, "both entry points mutate the same router")
	assert.Equal(t, 4, stats.Handlers)
}
