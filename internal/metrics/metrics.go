// Package metrics exposes pipeline counters to prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loctrack"

type Metrics struct {
	registry    *prometheus.Registry
	samples     *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	uploads     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	sinks       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{}
	m.registry = prometheus.NewRegistry()
	m.samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_total",
		Help:      "Accepted location samples by significance.",
	}, []string{"significant"})
	m.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_deliveries_total",
		Help:      "Fanout deliveries by sink kind and result.",
	}, []string{"sink", "result"})
	m.uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Remote upload attempts by outcome.",
	}, []string{"outcome"})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_transitions_total",
		Help:      "Lifecycle state transitions by target state.",
	}, []string{"state"})
	m.sinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sinks",
		Help:      "Currently registered fanout sinks.",
	})
	m.registry.MustRegister(m.samples, m.deliveries, m.uploads, m.transitions, m.sinks)
	return m
}

func (m *Metrics) Sample(significant bool) {
	if m == nil {
		return
	}
	if significant {
		m.samples.WithLabelValues("true").Inc()
	} else {
		m.samples.WithLabelValues("false").Inc()
	}
}

func (m *Metrics) Delivery(sink, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Sinks(n int) {
	if m == nil {
		return
	}
	m.sinks.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
