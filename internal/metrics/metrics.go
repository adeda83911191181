// Package metrics holds the Prometheus collectors for the assistant runtime.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagepilot"

// Metrics groups every collector the runtime updates.
type Metrics struct {
	registry *prometheus.Registry

	busEvents        *prometheus.CounterVec
	listenerPanics   *prometheus.CounterVec
	commandsExecuted *prometheus.CounterVec
	effectsActive    prometheus.Gauge
	indexElements    prometheus.Gauge
	indexCollisions  prometheus.Counter
	decisionRequests *prometheus.CounterVec
	inputAnalyses    *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events emitted on the bus by topic.",
		}, []string{"topic"}),
		listenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_listener_panics_total",
			Help:      "Listener panics recovered by the bus.",
		}, []string{"topic"}),
		commandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_executed_total",
			Help:      "Canonical actions executed by kind and status.",
		}, []string{"kind", "status"}),
		effectsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "effects_active",
			Help:      "Visual effects currently applied.",
		}),
		indexElements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_elements",
			Help:      "Elements held by the semantic index.",
		}),
		indexCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_key_collisions_total",
			Help:      "Semantic keys re-bound to a different element.",
		}),
		decisionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_requests_total",
			Help:      "Observations forwarded to the decision service.",
		}, []string{"transport", "status"}),
		inputAnalyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_analyses_total",
			Help:      "Field analyses run by the input observer.",
		}, []string{"final"}),
	}

	m.registry.MustRegister(
		m.busEvents,
		m.listenerPanics,
		m.commandsExecuted,
		m.effectsActive,
		m.indexElements,
		m.indexCollisions,
		m.decisionRequests,
		m.inputAnalyses,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (nil for a nil receiver).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) BusEvent(topic string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(topic).Inc()
}

func (m *Metrics) ListenerPanic(topic string) {
	if m == nil {
		return
	}
	m.listenerPanics.WithLabelValues(topic).Inc()
}

func (m *Metrics) CommandExecuted(kind, status string) {
	if m == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) SetEffectsActive(n int) {
	if m == nil {
		return
	}
	m.effectsActive.Set(float64(n))
}

func (m *Metrics) SetIndexElements(n int) {
	if m == nil {
		return
	}
	m.indexElements.Set(float64(n))
}

func (m *Metrics) IndexCollision() {
	if m == nil {
		return
	}
	m.indexCollisions.Inc()
}

func (m *Metrics) DecisionRequest(transport, status string) {
	if m == nil {
		return
	}
	m.decisionRequests.WithLabelValues(transport, status).Inc()
}

func (m *Metrics) InputAnalysis(final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.inputAnalyses.WithLabelValues(label).Inc()
}
