// Package router dispatches inbound envelopes to exactly one handler through
// a middleware pipeline, with a lifecycle state machine and routing
// statistics. Every entry point in a process shares one router, obtained
// through Canonical.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/ids"
	"github.com/baaaht/dispatch/pkg/telemetry"
	"github.com/baaaht/dispatch/pkg/types"
)

// State is the router lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var allStates = []string{"stopped", "starting", "running", "stopping"}

func (s State) String() string {
	if s >= 0 && int(s) < len(allStates) {
		return allStates[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Delivery is the outcome of routing one message
type Delivery int

const (
	// DeliveryNoHandler means no handler accepted the message. It is a normal
	// outcome, not an error.
	DeliveryNoHandler Delivery = iota
	// DeliveryHandled means the handler reported success.
	DeliveryHandled
	// DeliveryRejected means the message was refused: by validation, by
	// middleware, or by the handler itself.
	DeliveryRejected
	// DeliveryCancelled means the caller's context ended before a handler ran.
	DeliveryCancelled
)

func (d Delivery) String() string {
	switch d {
	case DeliveryNoHandler:
		return "no_handler"
	case DeliveryHandled:
		return "handled"
	case DeliveryRejected:
		return "rejected"
	case DeliveryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the router logger
func WithLogger(log *logger.Logger) Option {
	return func(r *Router) { r.logger = log }
}

// WithIDManager sets the identifier manager used to stamp and check envelopes
func WithIDManager(m *ids.Manager) Option {
	return func(r *Router) { r.ids = m }
}

// WithConfig sets the router configuration
func WithConfig(cfg config.RouterConfig) Option {
	return func(r *Router) { r.cfg = cfg }
}

// WithMiddleware appends middleware to the pipeline
func WithMiddleware(mw ...Middleware) Option {
	return func(r *Router) { r.initial = append(r.initial, mw...) }
}

// WithMetrics reports lifecycle state to metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithBuiltins replaces the default built-in handlers
func WithBuiltins(h ...MessageHandler) Option {
	return func(r *Router) {
		r.builtins = h
		r.customBuiltins = true
	}
}

// Router routes envelopes to handlers. It is safe for concurrent use; no
// router-wide lock is held while a handler runs.
type Router struct {
	cfg      config.RouterConfig
	logger   *logger.Logger
	ids      *ids.Manager
	registry *Registry
	pipeline *Pipeline
	metrics  *telemetry.Metrics

	initial        []Middleware
	builtins       []MessageHandler
	customBuiltins bool

	lifecycleMu sync.Mutex
	state       atomic.Int32
	inflight    atomic.Int64

	statsMu sync.Mutex
	stats   RoutingStats

	// unsubscribeIDs detaches the ID metrics observer while the router runs.
	unsubscribeIDs func()

	bindMu   sync.RWMutex
	bindings map[string]string

	now func() time.Time
}

// New creates a stopped router
func New(opts ...Option) (*Router, error) {
	r := &Router{
		cfg:      config.DefaultRouterConfig(),
		bindings: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = logger.OrDefault(r.logger).With("component", "message_router")
	if r.ids == nil {
		r.ids = ids.Default()
	}
	if !r.customBuiltins && r.cfg.BuiltinHandlers {
		r.builtins = []MessageHandler{NewPingHandler(), NewHeartbeatHandler()}
	}

	registry, err := NewRegistry(r.logger, r.builtins...)
	if err != nil {
		return nil, err
	}
	r.registry = registry

	r.pipeline = NewPipeline(r.logger)
	if err := r.pipeline.Add(r.initial...); err != nil {
		return nil, err
	}
	r.initial = nil

	r.stats.HandlerCounts = make(map[string]uint64)
	r.metrics.SetState(StateStopped.String(), allStates)

	r.logger.Debug("Message router created",
		"builtin_handlers", len(r.builtins),
		"middleware", r.pipeline.Len())
	return r, nil
}

// FromConfig builds a router and its middleware from a full configuration.
// Extra options are applied after the configured ones.
func FromConfig(cfg *config.Config, opts ...Option) (*Router, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	log := logger.Global()
	base := []Option{WithConfig(cfg.Router), WithLogger(log)}

	var mw []Middleware
	if cfg.Tracing.Enabled {
		mw = append(mw, NewTracingMiddleware(nil))
	}
	if cfg.Router.LogMessages {
		mw = append(mw, NewLoggingMiddleware(log))
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(cfg.Metrics.Namespace, nil)
		if err := metrics.Register(); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to register metrics", err)
		}
		mm, err := NewMetricsMiddleware(metrics)
		if err != nil {
			return nil, err
		}
		mw = append(mw, mm)
		base = append(base, WithMetrics(metrics))
	}

	if cfg.RateLimit.Enabled {
		rl, err := NewRateLimitMiddleware(log, cfg.RateLimit, metrics)
		if err != nil {
			return nil, err
		}
		mw = append(mw, rl)
	}

	base = append(base, WithMiddleware(mw...))
	r, err := New(append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// State returns the current lifecycle state
func (r *Router) State() State {
	return State(r.state.Load())
}

func (r *Router) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.SetState(s.String(), allStates)
}

// Start moves the router to running. Starting a running router is a no-op.
func (r *Router) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.State() == StateRunning {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "router start cancelled", err)
	}

	r.setState(StateStarting)

	r.statsMu.Lock()
	r.stats.ActiveSince = r.now()
	r.statsMu.Unlock()

	if r.metrics != nil {
		metrics := r.metrics
		r.unsubscribeIDs = r.ids.Subscribe(func(id ids.StructuredID) {
			metrics.IDGenerated(id.Type.String())
		})
	}

	r.setState(StateRunning)
	r.logger.Info("Message router started", "handlers", r.registry.Len(), "middleware", r.pipeline.Len())
	return nil
}

// Stop moves the router to stopped, waiting up to the shutdown timeout for
// in-flight routes to finish. Handlers stay registered. Stopping a stopped
// router is a no-op.
func (r *Router) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.State() == StateStopped {
		return nil
	}

	r.setState(StateStopping)
	drained := r.drain(ctx)

	r.statsMu.Lock()
	r.stats.ActiveSince = time.Time{}
	r.statsMu.Unlock()

	if r.unsubscribeIDs != nil {
		r.unsubscribeIDs()
		r.unsubscribeIDs = nil
	}

	r.setState(StateStopped)
	if !drained {
		r.logger.Warn("Message router stopped with routes still in flight", "inflight", r.inflight.Load())
		return nil
	}
	r.logger.Info("Message router stopped")
	return nil
}

// drain waits for in-flight routes, bounded by ctx and the shutdown timeout.
func (r *Router) drain(ctx context.Context) bool {
	if r.inflight.Load() == 0 {
		return true
	}

	timeout := r.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if r.inflight.Load() == 0 {
				return true
			}
		}
	}
}

// Route dispatches env, received from userID over tx, to the first handler
// that accepts it.
//
// The envelope's identity is stamped and checked first: a missing ID is
// generated, the thread is derived from the run ID and a run ID is generated
// for a bare thread. A run ID that does not embed the envelope's thread, or
// the thread bound to userID, is rejected with ErrIdentityMismatch before any
// middleware or handler runs.
func (r *Router) Route(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (Delivery, error) {
	// Counted before the state check so Stop cannot miss a route that got past it.
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	if state := r.State(); state != StateRunning {
		return DeliveryRejected, types.WrapError(types.ErrCodeRouterNotRunning,
			fmt.Sprintf("cannot route while %s", state), types.ErrRouterNotRunning)
	}
	if env == nil {
		return DeliveryRejected, types.NewError(types.ErrCodeInvalidArgument, "envelope cannot be nil")
	}

	if _, ok := ctx.Deadline(); !ok && r.cfg.RouteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RouteTimeout)
		defer cancel()
	}

	start := r.now()

	if err := ctx.Err(); err != nil {
		return DeliveryCancelled, types.WrapError(types.ErrCodeCanceled, "route cancelled", err)
	}

	if err := r.stampIdentity(userID, env); err != nil {
		r.logger.Warn("Message rejected",
			"message_id", env.ID,
			"user_id", env.UserID,
			"run_id", env.RunID,
			"error", err)
		return DeliveryRejected, err
	}

	steps := r.pipeline.snapshot()
	ctx, ran, err := r.pipeline.runPre(ctx, env, steps)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			cancelled := types.WrapError(types.ErrCodeCanceled, "route cancelled in middleware", errors.Join(cerr, err))
			_ = r.pipeline.runPost(ctx, env, Result{Delivery: DeliveryCancelled, Err: cancelled, Duration: r.now().Sub(start)}, steps[:ran])
			return DeliveryCancelled, cancelled
		}
		postErr := r.pipeline.runPost(ctx, env, Result{Delivery: DeliveryRejected, Err: err, Duration: r.now().Sub(start)}, steps[:ran])
		r.recordRejection()
		return DeliveryRejected, joinErrors(err, postErr)
	}

	if err := ctx.Err(); err != nil {
		cerr := types.WrapError(types.ErrCodeCanceled, "route cancelled", err)
		_ = r.pipeline.runPost(ctx, env, Result{Delivery: DeliveryCancelled, Err: cerr, Duration: r.now().Sub(start)}, steps)
		return DeliveryCancelled, cerr
	}

	desc, ok := r.registry.find(env)
	if !ok {
		r.logger.Debug("No handler for message", "message_id", env.ID, "type", env.Type)
		postErr := r.pipeline.runPost(ctx, env, Result{Delivery: DeliveryNoHandler, Duration: r.now().Sub(start)}, steps)
		r.recordUnhandled()
		return DeliveryNoHandler, postErr
	}

	handled, herr := r.invoke(ctx, desc, userID, tx, env)
	delivery := DeliveryHandled
	if herr != nil || !handled {
		delivery = DeliveryRejected
	}

	duration := r.now().Sub(start)
	postErr := r.pipeline.runPost(ctx, env, Result{
		Handler:  desc.Name,
		Delivery: delivery,
		Err:      herr,
		Duration: duration,
	}, steps)

	r.recordHandled(desc.Name, herr != nil, duration)
	return delivery, joinErrors(herr, postErr)
}

// stampIdentity fills in and checks the identity fields of env.
func (r *Router) stampIdentity(userID string, env *types.Envelope) error {
	if env.ID.IsEmpty() {
		env.ID = types.NewMessageID()
	}
	if userID != "" {
		env.UserID = userID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = r.now()
	}

	bound, _ := r.BoundThread(env.UserID)

	if env.ThreadID != "" && !r.ids.IsValidThreadID(env.ThreadID) {
		return types.WrapError(types.ErrCodeInvalidThreadID,
			fmt.Sprintf("message %s has a malformed thread id", env.ID), types.ErrInvalidThreadID)
	}

	if env.RunID != "" {
		if !ids.IsValidRunID(env.RunID) {
			return types.WrapError(types.ErrCodeInvalidRunID,
				fmt.Sprintf("message %s has a malformed run id", env.ID), types.ErrInvalidRunID)
		}
		if env.ThreadID != "" && !r.ids.ValidateConsistency(env.RunID, env.ThreadID) {
			return types.WrapError(types.ErrCodeIdentityMismatch,
				fmt.Sprintf("run id of message %s does not belong to thread %s", env.ID, env.ThreadID),
				types.ErrIdentityMismatch)
		}
		if bound != "" && !r.ids.ValidateConsistency(env.RunID, bound) {
			return types.WrapError(types.ErrCodeIdentityMismatch,
				fmt.Sprintf("run id of message %s does not belong to the thread of user %s", env.ID, env.UserID),
				types.ErrIdentityMismatch)
		}
	}

	if thread, ok := r.ids.ResolveThreadID(env.RunID, env.ThreadID, bound); ok {
		env.ThreadID = thread
	}

	if env.RunID == "" && env.ThreadID != "" && r.cfg.StampRunIDs {
		runID, err := r.ids.GetOrGenerateRunID("", env.ThreadID)
		if err != nil {
			return err
		}
		env.RunID = runID
	}
	return nil
}

// invoke runs the handler, converting a panic into an error.
func (r *Router) invoke(ctx context.Context, desc HandlerDescriptor, userID string, tx types.TransportHandle, env *types.Envelope) (handled bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked", "handler", desc.Name, "message_id", env.ID, "panic", p)
			handled = false
			err = types.NewError(types.ErrCodeHandlerFailed, fmt.Sprintf("handler %s panicked: %v", desc.Name, p))
		}
	}()

	handled, err = desc.Handler.Handle(ctx, userID, tx, env)
	if err != nil {
		r.logger.Error("Handler failed", "handler", desc.Name, "message_id", env.ID, "error", err)
		return false, types.WrapError(types.ErrCodeHandlerFailed, fmt.Sprintf("handler %s failed", desc.Name), err)
	}
	return handled, nil
}

func (r *Router) recordHandled(handler string, failed bool, d time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	r.stats.TotalMessages++
	r.stats.HandlerCounts[handler]++
	if failed {
		r.stats.HandlerFailures++
	}
	r.stats.LastRouteDuration = d
	r.stats.LastRoutedAt = r.now()
}

func (r *Router) recordUnhandled() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.Unhandled++
}

func (r *Router) recordRejection() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.MiddlewareRejections++
}

// Statistics returns a deep copy of the routing statistics
func (r *Router) Statistics() RoutingStats {
	r.statsMu.Lock()
	s := r.stats.clone()
	r.statsMu.Unlock()

	s.State = r.State()
	s.Handlers = r.registry.Len()
	s.Middleware = r.pipeline.Len()
	return s
}

// AddHandler appends a custom handler
func (r *Router) AddHandler(h MessageHandler) error {
	return r.registry.Add(h)
}

// AddHandlerWithPriority registers a custom handler with a priority
func (r *Router) AddHandlerWithPriority(h MessageHandler, priority int) error {
	return r.registry.AddWithPriority(h, priority)
}

// RemoveHandler unregisters a custom handler, reporting whether it was found
func (r *Router) RemoveHandler(h MessageHandler) bool {
	return r.registry.Remove(h)
}

// Handlers returns the registered handlers in dispatch order
func (r *Router) Handlers() []HandlerDescriptor {
	return r.registry.Snapshot()
}

// Use appends middleware to the pipeline
func (r *Router) Use(mw ...Middleware) error {
	return r.pipeline.Add(mw...)
}

// BindThread records threadID as the known thread of userID. Routed run IDs
// for that user must belong to it.
func (r *Router) BindThread(userID, threadID string) error {
	if userID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "user id cannot be empty")
	}
	if !r.ids.IsValidThreadID(threadID) {
		return types.WrapError(types.ErrCodeInvalidThreadID,
			fmt.Sprintf("cannot bind malformed thread id for user %s", userID), types.ErrInvalidThreadID)
	}

	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	r.bindings[userID] = threadID
	return nil
}

// UnbindThread forgets the known thread of userID
func (r *Router) UnbindThread(userID string) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	delete(r.bindings, userID)
}

// BoundThread returns the known thread of userID
func (r *Router) BoundThread(userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	r.bindMu.RLock()
	defer r.bindMu.RUnlock()
	t, ok := r.bindings[userID]
	return t, ok
}

// IDs returns the identifier manager used by the router
func (r *Router) IDs() *ids.Manager {
	return r.ids
}

func joinErrors(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	if primary == nil {
		return secondary
	}
	return errors.Join(primary, secondary)
}
