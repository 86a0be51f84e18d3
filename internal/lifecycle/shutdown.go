package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	ShutdownStateRunning   ShutdownState = "running"
	ShutdownStateInitiated ShutdownState = "initiated"
	ShutdownStateStopping  ShutdownState = "stopping"
	ShutdownStateComplete  ShutdownState = "complete"
)

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// Stopper is anything the shutdown manager stops, normally the router
type Stopper interface {
	Stop(ctx context.Context) error
}

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager stops the router on a signal or an explicit request and
// runs registered hooks afterwards.
type ShutdownManager struct {
	mu         sync.RWMutex
	target     Stopper
	state      ShutdownState
	timeout    time.Duration
	hooks      []ShutdownHook
	logger     *logger.Logger
	signalChan chan os.Signal
	stopChan   chan struct{}
	started    bool
	done       chan struct{}
	reason     string
	startedAt  time.Time
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(target Stopper, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	return &ShutdownManager{
		target:     target,
		state:      ShutdownStateRunning,
		timeout:    timeout,
		logger:     logger.OrDefault(log).With("component", "shutdown_manager"),
		signalChan: make(chan os.Signal, 1),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Debug("Shutdown manager started", "timeout", sm.timeout)

	go sm.handleSignals(sm.stopChan)
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	close(sm.stopChan)
	sm.stopChan = make(chan struct{})
	sm.started = false
}

// Shutdown stops the target and then runs the hooks in registration order.
// Only the first call does any work.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.reason = reason
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	sm.setState(ShutdownStateStopping)

	var errs []error
	if sm.target != nil {
		if err := sm.target.Stop(ctx); err != nil {
			sm.logger.Error("Stop failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := sm.executeHooks(ctx); err != nil {
		errs = append(errs, err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.done)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt))
	return errors.Join(errs...)
}

// AddHook adds a shutdown hook
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, hook)
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Reason returns why shutdown was initiated
func (sm *ShutdownManager) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Done is closed once shutdown has completed
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Wait blocks until shutdown completes or ctx ends
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	select {
	case <-sm.done:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for shutdown canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals(stop <-chan struct{}) {
	select {
	case sig := <-sm.signalChan:
		sm.logger.Info("Shutdown signal received", "signal", sig)
		if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	case <-stop:
	}
}

func (sm *ShutdownManager) executeHooks(ctx context.Context) error {
	sm.mu.RLock()
	hooks := make([]ShutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.RUnlock()

	var errs []error
	for i, hook := range hooks {
		if err := ctx.Err(); err != nil {
			sm.logger.Warn("Shutdown hooks skipped", "remaining", len(hooks)-i)
			return errors.Join(append(errs, types.WrapError(types.ErrCodeCanceled, "hook execution canceled", err))...)
		}
		if err := hook(ctx); err != nil {
			sm.logger.Error("Shutdown hook failed", "hook", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.timeout, len(sm.hooks), sm.started)
}
