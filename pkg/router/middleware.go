package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/types"
)

// Result is what post hooks learn about a dispatch.
type Result struct {
	Handler  string
	Delivery Delivery
	Err      error
	Duration time.Duration
}

// Middleware wraps dispatch with pre and post hooks.
//
// Before may annotate env.Metadata and return a derived context; returning an
// error aborts the dispatch. After runs once dispatch has finished for every
// middleware whose Before succeeded. Neither may change env's identity fields.
type Middleware interface {
	Before(ctx context.Context, env *types.Envelope) (context.Context, error)
	After(ctx context.Context, env *types.Envelope, res Result) error
}

// HookFuncs adapts plain functions into a Middleware. Either may be nil.
type HookFuncs struct {
	Name       string
	BeforeFunc func(ctx context.Context, env *types.Envelope) (context.Context, error)
	AfterFunc  func(ctx context.Context, env *types.Envelope, res Result) error
}

// Before implements Middleware
func (h HookFuncs) Before(ctx context.Context, env *types.Envelope) (context.Context, error) {
	if h.BeforeFunc == nil {
		return ctx, nil
	}
	return h.BeforeFunc(ctx, env)
}

// After implements Middleware
func (h HookFuncs) After(ctx context.Context, env *types.Envelope, res Result) error {
	if h.AfterFunc == nil {
		return nil
	}
	return h.AfterFunc(ctx, env, res)
}

// Pipeline runs middleware in registration order.
type Pipeline struct {
	mu     sync.RWMutex
	steps  []Middleware
	logger *logger.Logger
}

// NewPipeline creates an empty pipeline
func NewPipeline(log *logger.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.OrDefault(log).With("component", "middleware_pipeline"),
	}
}

// Add appends middleware to the end of the pipeline
func (p *Pipeline) Add(mw ...Middleware) error {
	for _, m := range mw {
		if m == nil {
			return types.NewError(types.ErrCodeInvalidArgument, "middleware cannot be nil")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]Middleware, 0, len(p.steps)+len(mw))
	next = append(next, p.steps...)
	next = append(next, mw...)
	p.steps = next
	return nil
}

// Len returns the number of middleware in the pipeline
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.steps)
}

func (p *Pipeline) snapshot() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.steps
}

// RunPre runs every Before hook, stopping at the first error.
func (p *Pipeline) RunPre(ctx context.Context, env *types.Envelope) (context.Context, error) {
	ctx, _, err := p.runPre(ctx, env, p.snapshot())
	return ctx, err
}

// RunPost runs every After hook and joins their errors.
func (p *Pipeline) RunPost(ctx context.Context, env *types.Envelope, res Result) error {
	steps := p.snapshot()
	return p.runPost(ctx, env, res, steps)
}

// runPre returns the derived context and the number of hooks that completed
// successfully.
func (p *Pipeline) runPre(ctx context.Context, env *types.Envelope, steps []Middleware) (context.Context, int, error) {
	for i, mw := range steps {
		before := env.Identity()

		next, err := callBefore(ctx, env, mw)
		if identErr := checkIdentity(env, before, mw); identErr != nil {
			err = errors.Join(err, identErr)
		}
		if err != nil {
			p.logger.Debug("Middleware stopped dispatch",
				"middleware_index", i,
				"message_id", env.ID,
				"error", err)
			return ctx, i, err
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx, len(steps), nil
}

func (p *Pipeline) runPost(ctx context.Context, env *types.Envelope, res Result, steps []Middleware) error {
	var errs []error
	for i, mw := range steps {
		before := env.Identity()

		err := callAfter(ctx, env, res, mw)
		if identErr := checkIdentity(env, before, mw); identErr != nil {
			err = errors.Join(err, identErr)
		}
		if err != nil {
			p.logger.Warn("Post hook failed",
				"middleware_index", i,
				"message_id", env.ID,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// callBefore runs a Before hook, converting a panic into an error.
func callBefore(ctx context.Context, env *types.Envelope, mw Middleware) (next context.Context, err error) {
	defer func() {
		if p := recover(); p != nil {
			next = nil
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("middleware %T panicked before dispatch: %v", mw, p))
		}
	}()
	return mw.Before(ctx, env)
}

// callAfter runs an After hook, converting a panic into an error.
func callAfter(ctx context.Context, env *types.Envelope, res Result, mw Middleware) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("middleware %T panicked after dispatch: %v", mw, p))
		}
	}()
	return mw.After(ctx, env, res)
}

// checkIdentity restores the identity fields a hook changed and reports it.
func checkIdentity(env *types.Envelope, before types.Identity, mw Middleware) error {
	if env.Identity() == before {
		return nil
	}
	env.RestoreIdentity(before)
	return types.NewError(types.ErrCodeInvalid,
		fmt.Sprintf("middleware %T changed identity fields of message %s", mw, before.ID))
}
