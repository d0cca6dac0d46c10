// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry    *prometheus.Registry
	nodesAdded  *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobsActive  prometheus.Gauge
	storeErrors *prometheus.CounterVec
	sessions    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nodesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_nodes_added_total",
			Help: "Nodes added to conversation trees, by role.",
		}, []string{"role"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_generation_jobs_total",
			Help: "Finished generation jobs, by outcome.",
		}, []string{"outcome"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_generation_jobs_active",
			Help: "Generation jobs currently running.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_store_errors_total",
			Help: "Node store failures, by operation.",
		}, []string{"op"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_sessions_active",
			Help: "Sessions held in memory.",
		}),
	}
	m.registry.MustRegister(
		m.nodesAdded, m.jobs, m.jobsActive, m.storeErrors, m.sessions,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) NodeAdded(role string) {
	if m == nil {
		return
	}
	m.nodesAdded.WithLabelValues(role).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

func (m *Metrics) JobEnded(outcome string) {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
