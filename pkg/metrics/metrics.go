// Package metrics exposes Prometheus collectors for the pool, the router and
// the script gatekeeper. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "linuxdiag"

type Metrics struct {
	registry *prometheus.Registry

	dials     *prometheus.CounterVec
	reuses    prometheus.Counter
	evictions *prometheus.CounterVec
	poolSize  prometheus.Gauge
	commands  *prometheus.HistogramVec
	scripts   *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ssh",
			Name:      "dials_total",
			Help:      "SSH dial attempts by outcome kind.",
		}, []string{"outcome"}),
		reuses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ssh",
			Name:      "reuses_total",
			Help:      "Acquires served by an existing pooled connection.",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ssh",
			Name:      "evictions_total",
			Help:      "Pooled connections removed, by reason.",
		}, []string{"reason"}),
		poolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ssh",
			Name:      "pool_connections",
			Help:      "Connections currently held by the pool.",
		}),
		commands: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Routed command duration by mode and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"mode", "outcome"}),
		scripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "transitions_total",
			Help:      "Script executions entering each state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDial(outcome string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReuse() {
	if m == nil {
		return
	}
	m.reuses.Inc()
}

func (m *Metrics) ObserveEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

func (m *Metrics) ObserveCommand(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveScript(state string) {
	if m == nil {
		return
	}
	m.scripts.WithLabelValues(state).Inc()
}
