package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sadewadee/katexd/internal/handler"
	"github.com/sadewadee/katexd/internal/pool"
)

const metricsNamespace = "katexd"

// StatsSource reports renderer pool statistics.
type StatsSource interface {
	Stats() pool.PoolStats
}

// Metrics collects Prometheus metrics for connections, requests and the
// renderer pool. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	framingErrors     *prometheus.CounterVec
	partialDropped    prometheus.Counter
	partialBytes      prometheus.Counter
}

var _ handler.Observer = (*Metrics)(nil)

// NewMetrics registers all collectors on a fresh registry. stats may be nil
// when the renderer is not a process pool.
func NewMetrics(stats StatsSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Current number of open client connections.",
		}, []string{"transport"}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}, []string{"transport"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of render requests by outcome.",
		}, []string{"outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from a complete request frame to its response.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		framingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "framing_errors_total",
			Help:      "Connections closed because of an invalid length prefix.",
		}, []string{"reason"}),

		partialDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partial_frames_dropped_total",
			Help:      "Incomplete frames discarded when a connection ended.",
		}),

		partialBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partial_frame_bytes_dropped_total",
			Help:      "Bytes of incomplete frames discarded when a connection ended.",
		}),
	}

	if stats != nil {
		poolGauge := func(name, help string, value func(pool.PoolStats) float64) {
			factory.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			}, func() float64 { return value(stats.Stats()) })
		}
		poolGauge("workers", "Renderer worker processes.", func(s pool.PoolStats) float64 { return float64(s.TotalWorkers) })
		poolGauge("workers_busy", "Renderer workers running a job.", func(s pool.PoolStats) float64 { return float64(s.BusyWorkers) })
		poolGauge("workers_idle", "Renderer workers waiting for a job.", func(s pool.PoolStats) float64 { return float64(s.IdleWorkers) })
		poolGauge("queue_depth", "Workers on the idle queue.", func(s pool.PoolStats) float64 { return float64(s.QueueDepth) })

		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Render jobs dispatched to the worker pool.",
		}, func() float64 { return float64(stats.Stats().TotalRequests) })
	}

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(outcome handler.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(string(outcome)).Inc()
	m.requestDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// ConnOpened records a new connection on transport ("unix", "tcp", "websocket").
func (m *Metrics) ConnOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
	m.connectionsActive.WithLabelValues(transport).Inc()
}

// ConnClosed records the end of a connection on transport.
func (m *Metrics) ConnClosed(transport string) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(transport).Dec()
}

// FramingError records a connection closed for an invalid length prefix.
func (m *Metrics) FramingError(reason string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(reason).Inc()
}

// PartialDropped records an incomplete frame of n bytes discarded at close.
func (m *Metrics) PartialDropped(n int) {
	if m == nil {
		return
	}
	m.partialDropped.Inc()
	m.partialBytes.Add(float64(n))
}
