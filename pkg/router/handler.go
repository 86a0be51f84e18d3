package router

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/baaaht/dispatch/pkg/types"
)

// MessageHandler processes the envelopes it accepts.
//
// Handle reports whether the message was successfully handled. A false
// result with a nil error is a soft rejection; an error is a failure.
type MessageHandler interface {
	CanHandle(env *types.Envelope) bool
	Handle(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (bool, error)
}

// Named is implemented by handlers that want a stable name in statistics.
type Named interface {
	Name() string
}

// HandleFunc is the function form of MessageHandler.Handle.
type HandleFunc func(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (bool, error)

// HandlerFunc adapts a match predicate and a HandleFunc into a MessageHandler.
// A nil Match accepts every message. Register it by pointer so it can be
// removed again.
type HandlerFunc struct {
	HandlerName string
	Match       func(*types.Envelope) bool
	Fn          HandleFunc
}

// ForTypes returns a HandlerFunc accepting the given message types.
func ForTypes(name string, fn HandleFunc, msgTypes ...types.MessageType) *HandlerFunc {
	accepted := make(map[types.MessageType]struct{}, len(msgTypes))
	for _, t := range msgTypes {
		accepted[t] = struct{}{}
	}
	return &HandlerFunc{
		HandlerName: name,
		Match: func(env *types.Envelope) bool {
			_, ok := accepted[env.Type]
			return ok
		},
		Fn: fn,
	}
}

// CanHandle implements MessageHandler
func (h *HandlerFunc) CanHandle(env *types.Envelope) bool {
	if h.Match == nil {
		return true
	}
	return h.Match(env)
}

// Handle implements MessageHandler
func (h *HandlerFunc) Handle(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (bool, error) {
	return h.Fn(ctx, userID, tx, env)
}

// Name implements Named
func (h *HandlerFunc) Name() string {
	if h.HandlerName != "" {
		return h.HandlerName
	}
	return "func"
}

// handlerName returns the name used for h in descriptors and statistics.
func handlerName(h MessageHandler) string {
	if n, ok := h.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", h)
}

// validateHandler rejects values that cannot serve as handlers.
func validateHandler(h MessageHandler) error {
	if h == nil {
		return types.WrapError(types.ErrCodeInvalidHandlerType, "handler cannot be nil", types.ErrInvalidHandlerType)
	}

	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			return types.WrapError(types.ErrCodeInvalidHandlerType,
				fmt.Sprintf("handler of type %T is a nil value", h), types.ErrInvalidHandlerType)
		}
	}

	if hf, ok := h.(*HandlerFunc); ok && hf.Fn == nil {
		return types.WrapError(types.ErrCodeInvalidHandlerType,
			fmt.Sprintf("handler func %q has no function", hf.HandlerName), types.ErrInvalidHandlerType)
	}
	return nil
}

// sameHandler reports whether a and b are the same registration. Values whose
// dynamic type is not comparable never match.
func sameHandler(a, b MessageHandler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}

// PingHandler answers ping messages with a pong on the same connection.
type PingHandler struct{}

// NewPingHandler creates the built-in ping handler
func NewPingHandler() *PingHandler {
	return &PingHandler{}
}

// Name implements Named
func (h *PingHandler) Name() string { return "builtin.ping" }

// CanHandle implements MessageHandler
func (h *PingHandler) CanHandle(env *types.Envelope) bool {
	return env.Type == types.MessageTypePing
}

// Handle implements MessageHandler
func (h *PingHandler) Handle(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (bool, error) {
	if tx == nil {
		return true, nil
	}

	pong := &types.Envelope{
		ID:        types.NewMessageID(),
		Type:      types.MessageTypePong,
		UserID:    userID,
		ThreadID:  env.ThreadID,
		RunID:     env.RunID,
		Metadata:  map[string]string{"reply_to": env.ID.String()},
		Timestamp: time.Now(),
	}
	if err := tx.Send(ctx, pong); err != nil {
		return false, types.WrapError(types.ErrCodeUnavailable,
			fmt.Sprintf("failed to send pong on %s", tx.ConnectionID()), err)
	}
	return true, nil
}

// HeartbeatHandler acknowledges heartbeats and remembers when each
// connection was last seen.
type HeartbeatHandler struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewHeartbeatHandler creates the built-in heartbeat handler
func NewHeartbeatHandler() *HeartbeatHandler {
	return &HeartbeatHandler{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Name implements Named
func (h *HeartbeatHandler) Name() string { return "builtin.heartbeat" }

// CanHandle implements MessageHandler
func (h *HeartbeatHandler) CanHandle(env *types.Envelope) bool {
	return env.Type == types.MessageTypeHeartbeat
}

// Handle implements MessageHandler
func (h *HeartbeatHandler) Handle(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (bool, error) {
	key := userID
	if tx != nil {
		key = tx.ConnectionID()
	}

	h.mu.Lock()
	h.lastSeen[key] = h.now()
	h.mu.Unlock()
	return true, nil
}

// LastSeen returns the time of the last heartbeat from a connection, keyed by
// connection ID, or by user ID for heartbeats that arrived without one.
func (h *HeartbeatHandler) LastSeen(key string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.lastSeen[key]
	return t, ok
}

// Forget drops the heartbeat record of a closed connection.
func (h *HeartbeatHandler) Forget(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastSeen, key)
}
