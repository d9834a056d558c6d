// Package metrics exposes the collector's Prometheus counters and an
// optional HTTP listener serving /metrics and /healthz. A nil
// *Collector is valid and records nothing, so components do not need
// guard checks when metrics are disabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// supervisorStates lists every state label so the state gauge always
// exports a full set of series.
var supervisorStates = []string{"idle", "connecting", "subscribing", "streaming", "backoff"}

// Collector holds the collector's metrics in its own registry.
type Collector struct {
	registry *prometheus.Registry

	sessions prometheus.Counter
	failures *prometheus.CounterVec
	stored   prometheus.Counter
	state    *prometheus.GaugeVec
}

// New creates a Collector with a fresh registry that also carries the
// standard Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_sessions_started_total",
			Help: "Total number of broker session attempts",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlog_session_failures_total",
			Help: "Total number of session-fatal failures by kind",
		}, []string{"kind"}),
		stored: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_readings_stored_total",
			Help: "Total number of readings appended to storage",
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorlog_supervisor_state",
			Help: "1 for the supervisor's current state, 0 for the others",
		}, []string{"state"}),
	}
	for _, s := range supervisorStates {
		c.state.WithLabelValues(s).Set(0)
	}
	return c
}

// SessionStarted counts one session attempt.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

// SessionFailed counts one session-fatal failure of the given kind.
func (c *Collector) SessionFailed(kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind).Inc()
}

// ReadingStored counts one persisted reading.
func (c *Collector) ReadingStored() {
	if c == nil {
		return
	}
	c.stored.Inc()
}

// SetState marks state as the supervisor's current state.
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range supervisorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
