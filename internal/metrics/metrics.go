// Package metrics exposes Prometheus counters for the engine's decisions
// and anomalies. A dedicated registry keeps tests independent of global
// state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's counters.
type Metrics struct {
	registry *prometheus.Registry

	Admissions           *prometheus.CounterVec // outcome: "accepted" or a reject reason
	Rollovers            *prometheus.CounterVec // direction: forward / backward
	Transitions          *prometheus.CounterVec // target state
	GateDenials          *prometheus.CounterVec // violation name
	JournalWriteFailures prometheus.Counter
	HydrationTimeouts    prometheus.Counter
}

// New creates and registers the engine metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrange_admissions_total",
			Help: "Bar admission decisions by stream and outcome.",
		}, []string{"stream", "outcome"}),
		Rollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrange_rollovers_total",
			Help: "Trading date rollover observations by direction.",
		}, []string{"direction"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrange_stream_transitions_total",
			Help: "Stream state transitions by target state.",
		}, []string{"to"}),
		GateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrange_gate_denials_total",
			Help: "Execution gate denials by violation.",
		}, []string{"violation"}),
		JournalWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openrange_journal_write_failures_total",
			Help: "Failed journal write attempts.",
		}),
		HydrationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openrange_hydration_timeouts_total",
			Help: "Streams force-armed after hydration timed out.",
		}),
	}
	reg.MustRegister(m.Admissions, m.Rollovers, m.Transitions, m.GateDenials,
		m.JournalWriteFailures, m.HydrationTimeouts)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
