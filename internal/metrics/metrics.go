// Package metrics provides Prometheus metrics for the build engine.
// Exports HTTP, build, agent, WebSocket, cache and database metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "factory"

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Build Metrics
	BuildsStartedTotal  prometheus.Counter
	BuildsFinishedTotal *prometheus.CounterVec
	BuildDuration       *prometheus.HistogramVec
	BuildsActive        prometheus.Gauge
	ArchiveUploadsTotal *prometheus.CounterVec

	// Agent Metrics
	AgentSpawnsTotal      *prometheus.CounterVec
	AgentsFinishedTotal   *prometheus.CounterVec
	PollIterationsTotal   prometheus.Counter
	TranscriptErrorsTotal prometheus.Counter
	ExtractedFilesTotal   *prometheus.CounterVec

	// WebSocket Metrics
	WebSocketConnections   prometheus.Gauge
	WebSocketMessagesTotal *prometheus.CounterVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status class",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	// Build Metrics
	m.BuildsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "started_total",
			Help:      "Total number of builds created",
		},
	)

	m.BuildsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "finished_total",
			Help:      "Total number of finalized builds by terminal status",
		},
		[]string{"status"},
	)

	m.BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "duration_seconds",
			Help:      "Time from first poll to finalization",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1200, 1800},
		},
		[]string{"status"},
	)

	m.BuildsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "active",
			Help:      "Builds currently being polled",
		},
	)

	m.ArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "archive_uploads_total",
			Help:      "Build archive uploads by result",
		},
		[]string{"result"},
	)

	// Agent Metrics
	m.AgentSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "spawns_total",
			Help:      "Agent spawn attempts by result",
		},
		[]string{"result"},
	)

	m.AgentsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "finished_total",
			Help:      "Spawned agents at finalization, by whether they completed",
		},
		[]string{"result"},
	)

	m.PollIterationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "poll_iterations_total",
			Help:      "Total number of transcript polling rounds",
		},
	)

	m.TranscriptErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "transcript_errors_total",
			Help:      "Transcript fetches that failed and were skipped",
		},
	)

	m.ExtractedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "extracted_files_total",
			Help:      "Files recovered from transcripts by extraction strategy",
		},
		[]string{"strategy"},
	)

	// WebSocket Metrics
	m.WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Current number of build event subscribers",
		},
	)

	m.WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Build events published by type",
		},
		[]string{"type"},
	)

	// Database Metrics
	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// Cache Metrics
	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "build_info",
			Help:      "Build information about the running binary",
		},
		[]string{"version", "environment"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "startup_time_seconds",
			Help:      "Unix timestamp of process start",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordBuildStarted counts a newly created build
func (m *Metrics) RecordBuildStarted() {
	m.BuildsStartedTotal.Inc()
}

// RecordBuildFinished counts a finalized build and observes its duration
func (m *Metrics) RecordBuildFinished(status string, d time.Duration) {
	m.BuildsFinishedTotal.WithLabelValues(status).Inc()
	m.BuildDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordArchiveUpload counts an archive upload attempt
func (m *Metrics) RecordArchiveUpload(ok bool) {
	m.ArchiveUploadsTotal.WithLabelValues(resultLabel(ok, "success", "failure")).Inc()
}

// RecordAgentSpawn counts a spawn attempt
func (m *Metrics) RecordAgentSpawn(ok bool) {
	m.AgentSpawnsTotal.WithLabelValues(resultLabel(ok, "spawned", "rejected")).Inc()
}

// RecordAgentFinished counts a spawned agent at finalization
func (m *Metrics) RecordAgentFinished(completed bool) {
	m.AgentsFinishedTotal.WithLabelValues(resultLabel(completed, "completed", "incomplete")).Inc()
}

func (m *Metrics) RecordPollIteration() {
	m.PollIterationsTotal.Inc()
}

func (m *Metrics) RecordTranscriptError() {
	m.TranscriptErrorsTotal.Inc()
}

// RecordExtractedFiles adds n files recovered by strategy
func (m *Metrics) RecordExtractedFiles(strategy string, n int) {
	if n <= 0 {
		return
	}
	m.ExtractedFilesTotal.WithLabelValues(strategy).Add(float64(n))
}

// SetWebSocketConnections sets the subscriber gauge
func (m *Metrics) SetWebSocketConnections(n int) {
	m.WebSocketConnections.Set(float64(n))
}

// RecordWebSocketMessage counts a published build event
func (m *Metrics) RecordWebSocketMessage(eventType string) {
	m.WebSocketMessagesTotal.WithLabelValues(eventType).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheName string) {
	m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheName string) {
	m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, environment string) {
	m.BuildInfo.WithLabelValues(version, environment).Set(1)
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
