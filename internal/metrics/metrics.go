// Package metrics exposes daemon counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcps/internal/services"
)

// Metrics holds the daemon's collectors on a private registry. All record
// methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	Connects         *prometheus.CounterVec
	ConnectLatency   *prometheus.HistogramVec
	ToolCalls        *prometheus.CounterVec
	ToolCallLatency  *prometheus.HistogramVec
	ProcessesKilled  prometheus.Counter
	ControlRequests  *prometheus.CounterVec
	InitializeFailed prometheus.Counter
}

// New registers the collectors. sessions reports the live session count.
func New(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		Connects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_backend_connects_total",
			Help: "Backend connect attempts by server and outcome",
		}, []string{"server", "outcome"}),

		ConnectLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcps_backend_connect_duration_seconds",
			Help:    "Backend connect latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"server"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_tool_calls_total",
			Help: "Tool invocations by server and outcome",
		}, []string{"server", "outcome"}),

		ToolCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcps_tool_call_duration_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"server"}),

		ProcessesKilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcps_processes_killed_total",
			Help: "Backend processes force-terminated on session close",
		}),

		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_control_requests_total",
			Help: "Control protocol requests by path and status code",
		}, []string{"path", "code"}),

		InitializeFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcps_initialize_failures_total",
			Help: "Backends that failed during bulk initialization",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mcps_sessions_active",
		Help: "Sessions currently registered in the pool",
	}, func() float64 {
		if sessions == nil {
			return 0
		}
		return float64(sessions())
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordConnect records one connect attempt.
func (m *Metrics) RecordConnect(server string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(server, outcome(err)).Inc()
	m.ConnectLatency.WithLabelValues(server).Observe(elapsed.Seconds())
}

// RecordCall records one tool invocation. toolError marks results the
// backend flagged with isError.
func (m *Metrics) RecordCall(server string, err error, toolError bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := outcome(err)
	if err == nil && toolError {
		label = "tool_error"
	}
	m.ToolCalls.WithLabelValues(server, label).Inc()
	m.ToolCallLatency.WithLabelValues(server).Observe(elapsed.Seconds())
}

// RecordKills counts force-terminated processes.
func (m *Metrics) RecordKills(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProcessesKilled.Add(float64(n))
}

// RecordInitFailure counts one failed backend during bulk initialization.
func (m *Metrics) RecordInitFailure() {
	if m == nil {
		return
	}
	m.InitializeFailed.Inc()
}

// RecordRequest counts one control request.
func (m *Metrics) RecordRequest(path string, status int) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return services.Kind(err)
}
