package router

import (
	"context"

	"github.com/baaaht/dispatch/pkg/types"
)

// Dispatcher is the routing contract shared by the canonical router and the
// legacy adapter.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
	Route(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (Delivery, error)
	AddHandler(h MessageHandler) error
	AddHandlerWithPriority(h MessageHandler, priority int) error
	RemoveHandler(h MessageHandler) bool
	Handlers() []HandlerDescriptor
	Use(mw ...Middleware) error
	Statistics() RoutingStats
	BindThread(userID, threadID string) error
	UnbindThread(userID string)
	BoundThread(userID string) (string, bool)
}

var (
	_ Dispatcher = (*Router)(nil)
	_ Dispatcher = (*LegacyDispatcher)(nil)
)

// LegacyDispatcher serves callers written against the old per-connection
// router. It holds no state; every call goes to Canonical.
//
// Deprecated: use Canonical and call the Router directly.
type LegacyDispatcher struct{}

// NewLegacyDispatcher returns an adapter over the canonical router.
//
// Deprecated: use Canonical.
func NewLegacyDispatcher() *LegacyDispatcher {
	return &LegacyDispatcher{}
}

// Router returns the canonical router the adapter forwards to.
func (*LegacyDispatcher) Router() *Router { return Canonical() }

func (*LegacyDispatcher) Start(ctx context.Context) error { return Canonical().Start(ctx) }

func (*LegacyDispatcher) Stop(ctx context.Context) error { return Canonical().Stop(ctx) }

func (*LegacyDispatcher) State() State { return Canonical().State() }

func (*LegacyDispatcher) Route(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (Delivery, error) {
	return Canonical().Route(ctx, userID, tx, env)
}

func (*LegacyDispatcher) AddHandler(h MessageHandler) error { return Canonical().AddHandler(h) }

func (*LegacyDispatcher) AddHandlerWithPriority(h MessageHandler, priority int) error {
	return Canonical().AddHandlerWithPriority(h, priority)
}

func (*LegacyDispatcher) RemoveHandler(h MessageHandler) bool { return Canonical().RemoveHandler(h) }

func (*LegacyDispatcher) Handlers() []HandlerDescriptor { return Canonical().Handlers() }

func (*LegacyDispatcher) Use(mw ...Middleware) error { return Canonical().Use(mw...) }

func (*LegacyDispatcher) Statistics() RoutingStats { return Canonical().Statistics() }

func (*LegacyDispatcher) BindThread(userID, threadID string) error {
	return Canonical().BindThread(userID, threadID)
}

func (*LegacyDispatcher) UnbindThread(userID string) { Canonical().UnbindThread(userID) }

func (*LegacyDispatcher) BoundThread(userID string) (string, bool) {
	return Canonical().BoundThread(userID)
}
