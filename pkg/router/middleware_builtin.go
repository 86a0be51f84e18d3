package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/telemetry"
	"github.com/baaaht/dispatch/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// LoggingMiddleware logs every dispatch and its outcome
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(log *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger.OrDefault(log).With("component", "logging_middleware"),
	}
}

// Before implements Middleware
func (m *LoggingMiddleware) Before(ctx context.Context, env *types.Envelope) (context.Context, error) {
	m.logger.Debug("Dispatching message",
		"message_id", env.ID,
		"type", env.Type,
		"user_id", env.UserID,
		"thread_id", env.ThreadID,
		"run_id", env.RunID)
	return ctx, nil
}

// After implements Middleware
func (m *LoggingMiddleware) After(ctx context.Context, env *types.Envelope, res Result) error {
	args := []any{
		"message_id", env.ID,
		"type", env.Type,
		"handler", res.Handler,
		"delivery", res.Delivery.String(),
		"duration", res.Duration,
	}
	if res.Err != nil {
		m.logger.Warn("Message dispatch failed", append(args, "error", res.Err)...)
		return nil
	}
	m.logger.Info("Message dispatched", args...)
	return nil
}

// RateLimitMiddleware applies a token bucket per user
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	metrics  *telemetry.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware creates a per-user rate limiter. metrics may be nil.
func NewRateLimitMiddleware(log *logger.Logger, cfg config.RateLimitConfig, metrics *telemetry.Metrics) (*RateLimitMiddleware, error) {
	if cfg.MessagesPerSec <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "messages per second must be positive")
	}
	if cfg.Burst <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "burst must be positive")
	}

	return &RateLimitMiddleware{
		limiters: make(map[string]*userLimiter),
		limit:    rate.Limit(cfg.MessagesPerSec),
		burst:    cfg.Burst,
		idleTTL:  3 * time.Minute,
		metrics:  metrics,
		logger:   logger.OrDefault(log).With("component", "rate_limit_middleware"),
		now:      time.Now,
	}, nil
}

// Before implements Middleware
func (m *RateLimitMiddleware) Before(ctx context.Context, env *types.Envelope) (context.Context, error) {
	now := m.now()

	m.mu.Lock()
	m.gcLocked(now)
	ul, ok := m.limiters[env.UserID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[env.UserID] = ul
	}
	ul.lastSeen = now
	limiter := ul.limiter
	m.mu.Unlock()

	if !limiter.AllowN(now, 1) {
		m.metrics.RateLimited(string(env.Type))
		m.logger.Debug("Message rate limited", "user_id", env.UserID, "message_id", env.ID)
		return ctx, types.WrapError(types.ErrCodeRateLimited,
			fmt.Sprintf("user %q exceeded %g messages/s", env.UserID, float64(m.limit)), types.ErrRateLimited)
	}
	return ctx, nil
}

// After implements Middleware
func (m *RateLimitMiddleware) After(ctx context.Context, env *types.Envelope, res Result) error {
	return nil
}

// gcLocked drops limiters of users idle for longer than idleTTL, at most once a minute.
func (m *RateLimitMiddleware) gcLocked(now time.Time) {
	if now.Sub(m.lastGC) < time.Minute {
		return
	}
	m.lastGC = now
	for user, ul := range m.limiters {
		if now.Sub(ul.lastSeen) > m.idleTTL {
			delete(m.limiters, user)
		}
	}
}

// Users returns the number of users currently tracked
func (m *RateLimitMiddleware) Users() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// MetricsMiddleware records dispatch outcomes in Prometheus
type MetricsMiddleware struct {
	metrics *telemetry.Metrics
}

// NewMetricsMiddleware creates a metrics middleware
func NewMetricsMiddleware(metrics *telemetry.Metrics) (*MetricsMiddleware, error) {
	if metrics == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "metrics cannot be nil")
	}
	return &MetricsMiddleware{metrics: metrics}, nil
}

// Before implements Middleware
func (m *MetricsMiddleware) Before(ctx context.Context, env *types.Envelope) (context.Context, error) {
	return ctx, nil
}

// After implements Middleware
func (m *MetricsMiddleware) After(ctx context.Context, env *types.Envelope, res Result) error {
	m.metrics.ObserveRoute(string(env.Type), res.Delivery.String(), res.Duration)
	if res.Err != nil && res.Handler != "" {
		m.metrics.HandlerFailed(res.Handler)
	}
	return nil
}

// TracingMiddleware wraps each dispatch in an OpenTelemetry span
type TracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware creates a tracing middleware. A nil tracer uses the
// global provider.
func NewTracingMiddleware(tracer trace.Tracer) *TracingMiddleware {
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &TracingMiddleware{tracer: tracer}
}

// Before implements Middleware
func (m *TracingMiddleware) Before(ctx context.Context, env *types.Envelope) (context.Context, error) {
	ctx, _ = m.tracer.Start(ctx, "dispatch.route",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("message.id", env.ID.String()),
			attribute.String("message.type", string(env.Type)),
			attribute.String("user.id", env.UserID),
			attribute.String("thread.id", env.ThreadID),
			attribute.String("run.id", env.RunID),
		))
	return ctx, nil
}

// After implements Middleware
func (m *TracingMiddleware) After(ctx context.Context, env *types.Envelope, res Result) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("dispatch.handler", res.Handler),
		attribute.String("dispatch.delivery", res.Delivery.String()),
	)
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	}
	span.End()
	return nil
}

// MetadataMiddleware stamps static labels onto every envelope. Labels already
// present on the envelope are left alone.
type MetadataMiddleware struct {
	labels map[string]string
}

// NewMetadataMiddleware creates a metadata middleware
func NewMetadataMiddleware(labels map[string]string) *MetadataMiddleware {
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return &MetadataMiddleware{labels: copied}
}

// Before implements Middleware
func (m *MetadataMiddleware) Before(ctx context.Context, env *types.Envelope) (context.Context, error) {
	for k, v := range m.labels {
		if _, exists := env.Metadata[k]; !exists {
			env.SetMetadata(k, v)
		}
	}
	return ctx, nil
}

// After implements Middleware
func (m *MetadataMiddleware) After(ctx context.Context, env *types.Envelope, res Result) error {
	return nil
}
