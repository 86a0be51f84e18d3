// Package telemetry holds the Prometheus collectors and OpenTelemetry tracer
// setup shared by the router middleware and the CLI.
package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of dispatch collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mu sync.Mutex

	messagesTotal   *prometheus.CounterVec
	routeDuration   *prometheus.HistogramVec
	handlerFailures *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	idsGenerated    *prometheus.CounterVec
	routerState     *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(namespace, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors under namespace. Nothing is registered
// until Register is called.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		messagesTotal:   newCounterVec(namespace, "messages_total", "Messages routed, by message type and delivery outcome", []string{"type", "outcome"}),
		handlerFailures: newCounterVec(namespace, "handler_failures_total", "Handler invocations that returned an error", []string{"handler"}),
		rateLimited:     newCounterVec(namespace, "rate_limited_total", "Messages rejected by the per-user rate limiter", []string{"type"}),
		idsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ids",
				Name:      "generated_total",
				Help:      "Structured identifiers generated, by type",
			},
			[]string{"type"},
		),
		routeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "route_duration_seconds",
				Help:      "Time spent routing a message, middleware included",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"type"},
		),
		routerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "state",
				Help:      "1 for the router's current lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times. When an
// identical collector is already registered, for example by another Metrics
// with the same namespace, that collector is adopted so both record into the
// exported series.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = register(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.routeDuration, err = register(m.registerer, m.routeDuration); err != nil {
		return err
	}
	if m.handlerFailures, err = register(m.registerer, m.handlerFailures); err != nil {
		return err
	}
	if m.rateLimited, err = register(m.registerer, m.rateLimited); err != nil {
		return err
	}
	if m.idsGenerated, err = register(m.registerer, m.idsGenerated); err != nil {
		return err
	}
	if m.routerState, err = register(m.registerer, m.routerState); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// register registers c, returning the collector already registered in its
// place when there is one of the same type.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("failed to register collector: %w", err)
}

// ObserveRoute records one routed message.
func (m *Metrics) ObserveRoute(msgType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(msgType, outcome).Inc()
	m.routeDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// HandlerFailed records a handler error.
func (m *Metrics) HandlerFailed(handler string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(handler).Inc()
}

// RateLimited records a message rejected by the rate limiter.
func (m *Metrics) RateLimited(msgType string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(msgType).Inc()
}

// IDGenerated records a generated structured identifier.
func (m *Metrics) IDGenerated(idType string) {
	if m == nil {
		return
	}
	m.idsGenerated.WithLabelValues(idType).Inc()
}

// SetState marks state as the current lifecycle state among all.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.routerState.WithLabelValues(s).Set(v)
	}
}
