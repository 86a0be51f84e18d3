package cmd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baaaht/dispatch/internal/lifecycle"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitShutdownWaitsForHooks(t *testing.T) {
	sm := lifecycle.NewShutdownManager(nil, time.Second, logger.NewNop())

	release := make(chan struct{})
	var flushed atomic.Bool
	sm.AddHook(func(ctx context.Context) error {
		<-release
		flushed.Store(true)
		return nil
	})

	// The server has already been closed by the first hook.
	serveErr := make(chan error)
	close(serveErr)

	go func() { _ = sm.Shutdown(context.Background(), "signal") }()

	returned := make(chan error, 1)
	go func() { returned <- awaitShutdown(serveErr, sm) }()

	select {
	case <-returned:
		t.Fatal("awaitShutdown returned while hooks were still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("awaitShutdown did not return after hooks finished")
	}
	assert.True(t, flushed.Load())
}

func TestAwaitShutdownServerFailure(t *testing.T) {
	sm := lifecycle.NewShutdownManager(nil, time.Second, logger.NewNop())

	var hooked atomic.Bool
	sm.AddHook(func(ctx context.Context) error {
		hooked.Store(true)
		return nil
	})

	listenErr := errors.New("listen failed")
	serveErr := make(chan error, 1)
	serveErr <- listenErr

	err := awaitShutdown(serveErr, sm)
	assert.ErrorIs(t, err, listenErr)
	assert.True(t, hooked.Load())
	assert.Equal(t, "http server failed", sm.Reason())
	assert.Equal(t, lifecycle.ShutdownStateComplete, sm.State())
}
