package router

import (
	"fmt"
	"time"
)

// RoutingStats is a point-in-time copy of the router's counters.
//
// TotalMessages counts messages that reached a handler. Messages rejected
// before handler selection, whether by state, identity checks or
// cancellation, are not counted anywhere.
type RoutingStats struct {
	State                State             `json:"state"`
	TotalMessages        uint64            `json:"total_messages"`
	HandlerCounts        map[string]uint64 `json:"handler_counts"`
	HandlerFailures      uint64            `json:"handler_failures"`
	Unhandled            uint64            `json:"unhandled"`
	MiddlewareRejections uint64            `json:"middleware_rejections"`
	ActiveSince          time.Time         `json:"active_since,omitempty"`
	LastRouteDuration    time.Duration     `json:"last_route_duration"`
	LastRoutedAt         time.Time         `json:"last_routed_at,omitempty"`
	Handlers             int               `json:"handlers"`
	Middleware           int               `json:"middleware"`
}

// String returns a string representation of the stats
func (s RoutingStats) String() string {
	return fmt.Sprintf("RoutingStats{State: %s, Total: %d, Failures: %d, Unhandled: %d, Rejected: %d, Handlers: %d, Middleware: %d}",
		s.State, s.TotalMessages, s.HandlerFailures, s.Unhandled, s.MiddlewareRejections, s.Handlers, s.Middleware)
}

// clone returns a deep copy
func (s RoutingStats) clone() RoutingStats {
	out := s
	out.HandlerCounts = make(map[string]uint64, len(s.HandlerCounts))
	for k, v := range s.HandlerCounts {
		out.HandlerCounts[k] = v
	}
	return out
}
