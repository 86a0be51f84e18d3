package router

import (
	"sync"
	"time"

	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/types"
)

// HandlerDescriptor describes one registered handler.
type HandlerDescriptor struct {
	Handler      MessageHandler `json:"-"`
	Name         string         `json:"name"`
	RegisteredAt time.Time      `json:"registered_at"`
	Priority     int            `json:"priority"`
	BuiltIn      bool           `json:"built_in"`
}

// Registry holds handlers in dispatch order and resolves a message to the
// first handler that accepts it.
//
// Built-in handlers are fixed at construction and always come first. Custom
// handlers follow, ordered by descending priority and then by registration
// order. Slices are replaced rather than mutated, so lookups never hold the
// lock while calling into handler code.
type Registry struct {
	mu       sync.RWMutex
	builtins []HandlerDescriptor
	custom   []HandlerDescriptor
	logger   *logger.Logger
	now      func() time.Time
}

// NewRegistry creates a registry with the given built-in handlers installed
// in order.
func NewRegistry(log *logger.Logger, builtins ...MessageHandler) (*Registry, error) {
	r := &Registry{
		logger: logger.OrDefault(log).With("component", "handler_registry"),
		now:    time.Now,
	}

	for _, h := range builtins {
		if err := validateHandler(h); err != nil {
			return nil, err
		}
		r.builtins = append(r.builtins, HandlerDescriptor{
			Handler:      h,
			Name:         handlerName(h),
			RegisteredAt: r.now(),
			BuiltIn:      true,
		})
	}

	return r, nil
}

// Add appends a custom handler after every handler already registered at
// priority 0 or higher.
func (r *Registry) Add(h MessageHandler) error {
	return r.AddWithPriority(h, 0)
}

// AddWithPriority registers a custom handler. Higher priorities are consulted
// first; equal priorities keep registration order.
func (r *Registry) AddWithPriority(h MessageHandler, priority int) error {
	if err := validateHandler(h); err != nil {
		return err
	}

	desc := HandlerDescriptor{
		Handler:      h,
		Name:         handlerName(h),
		RegisteredAt: r.now(),
		Priority:     priority,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pos := len(r.custom)
	for i, d := range r.custom {
		if d.Priority < priority {
			pos = i
			break
		}
	}

	next := make([]HandlerDescriptor, 0, len(r.custom)+1)
	next = append(next, r.custom[:pos]...)
	next = append(next, desc)
	next = append(next, r.custom[pos:]...)
	r.custom = next

	r.logger.Debug("Handler registered", "handler", desc.Name, "priority", priority, "position", len(r.builtins)+pos)
	return nil
}

// Remove unregisters the first custom handler identical to h. It reports
// whether one was found; removing an unknown handler is not an error.
// Built-in handlers cannot be removed.
func (r *Registry) Remove(h MessageHandler) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.custom {
		if !sameHandler(d.Handler, h) {
			continue
		}
		next := make([]HandlerDescriptor, 0, len(r.custom)-1)
		next = append(next, r.custom[:i]...)
		next = append(next, r.custom[i+1:]...)
		r.custom = next

		r.logger.Debug("Handler removed", "handler", d.Name)
		return true
	}
	return false
}

// Find returns the first handler, in dispatch order, that accepts env.
func (r *Registry) Find(env *types.Envelope) (MessageHandler, bool) {
	d, ok := r.find(env)
	if !ok {
		return nil, false
	}
	return d.Handler, true
}

func (r *Registry) find(env *types.Envelope) (HandlerDescriptor, bool) {
	r.mu.RLock()
	builtins, custom := r.builtins, r.custom
	r.mu.RUnlock()

	for _, d := range builtins {
		if d.Handler.CanHandle(env) {
			return d, true
		}
	}
	for _, d := range custom {
		if d.Handler.CanHandle(env) {
			return d, true
		}
	}
	return HandlerDescriptor{}, false
}

// Snapshot returns a copy of the registered handlers in dispatch order.
func (r *Registry) Snapshot() []HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HandlerDescriptor, 0, len(r.builtins)+len(r.custom))
	out = append(out, r.builtins...)
	out = append(out, r.custom...)
	return out
}

// Len returns the number of registered handlers, built-ins included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtins) + len(r.custom)
}
