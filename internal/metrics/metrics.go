// Package metrics exposes Prometheus collectors for analysis runs, events,
// websocket connections and HTTP traffic.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sourcetrace"

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runIterations   prometheus.Histogram
	runDuration     prometheus.Histogram
	activeRuns      prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	corpusPosts     prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	importedPosts   *prometheus.CounterVec
	rejectedStarts  prometheus.Counter
	sinkErrorsTotal prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Analysis runs by final status",
		},
		[]string{"status", "reason"},
	)
	m.runIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_iterations",
		Help:      "Narrowing iterations per completed run",
		Buckets:   prometheus.LinearBuckets(0, 2, 11),
	})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of analysis runs",
		Buckets:   prometheus.DefBuckets,
	})
	m.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Analysis runs currently in progress",
	})
	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted to sinks by type",
		},
		[]string{"type"},
	)
	m.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_connections",
		Help:      "Open websocket connections",
	})
	m.corpusPosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "corpus_posts",
		Help:      "Posts in the most recent corpus snapshot",
	})
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	m.importedPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imported_posts_total",
			Help:      "Posts imported by source kind",
		},
		[]string{"source"},
	)
	m.rejectedStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_starts_total",
		Help:      "Start requests rejected because the session was busy",
	})
	m.sinkErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_errors_total",
		Help:      "Events a sink failed to deliver",
	})

	m.registry.MustRegister(
		m.runsTotal, m.runIterations, m.runDuration, m.activeRuns,
		m.eventsTotal, m.wsConnections, m.corpusPosts,
		m.httpRequests, m.httpDuration, m.importedPosts,
		m.rejectedStarts, m.sinkErrorsTotal,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing m, for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a run leaving the active set. status is the final run
// status (found, failed or idle for cancelled runs).
func (m *Metrics) RunFinished(status, reason string, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status, reason).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	if status != "idle" {
		m.runIterations.Observe(float64(iterations))
	}
}

func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.sinkErrorsTotal.Inc()
}

func (m *Metrics) StartRejected() {
	if m == nil {
		return
	}
	m.rejectedStarts.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) CorpusSize(n int) {
	if m == nil {
		return
	}
	m.corpusPosts.Set(float64(n))
}

func (m *Metrics) PostsImported(source string, n int) {
	if m == nil {
		return
	}
	m.importedPosts.WithLabelValues(source).Add(float64(n))
}

// Middleware returns gin middleware that records request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequests.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
