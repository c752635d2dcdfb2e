package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oubliette_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oubliette_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently open MCP/A2A sessions per connector.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oubliette_active_sessions",
			Help: "Number of active sessions",
		},
		[]string{"connector_id"},
	)

	// ContainersRunning tracks running sandboxed connector containers.
	ContainersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oubliette_containers_running",
			Help: "Number of running containers",
		},
	)

	// SessionDuration tracks how long connector sessions run.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oubliette_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"connector_id", "status"},
	)

	// EventBufferDrops tracks dropped events due to buffer overflow.
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oubliette_event_buffer_drops_total",
			Help: "Total number of events dropped due to buffer overflow",
		},
		[]string{"session_id"},
	)

	// TargetsTotal tracks the total number of registered connectors/agents.
	TargetsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oubliette_targets_total",
			Help: "Total number of registered targets",
		},
	)

	// ToolCalls tracks MCP tool invocations.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oubliette_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// QueueDepth tracks a connector's pending-request queue depth (C9).
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oubliette_queue_depth",
			Help: "Current depth of a connector's pending-request queue",
		},
		[]string{"connector_id"},
	)

	// QueueWaitSeconds tracks time spent waiting in a connector's queue (C9).
	QueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oubliette_queue_wait_seconds",
			Help:    "Time a request spent waiting in its connector queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector_id"},
	)

	// UpstreamLatencySeconds tracks handler execution time once dequeued (C9).
	UpstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oubliette_upstream_latency_seconds",
			Help:    "Time spent executing a request against its upstream connector",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector_id"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments active session gauge
func RecordSessionStart(connectorID string) {
	ActiveSessions.WithLabelValues(connectorID).Inc()
}

// RecordSessionEnd decrements active session gauge and records duration
func RecordSessionEnd(connectorID, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(connectorID).Dec()
	SessionDuration.WithLabelValues(connectorID, status).Observe(durationSeconds)
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// SetContainersRunning sets the running container count
func SetContainersRunning(count float64) {
	ContainersRunning.Set(count)
}

// SetTargetsTotal sets the total registered target count
func SetTargetsTotal(count float64) {
	TargetsTotal.Set(count)
}

// RecordEventDrop records an event buffer drop
func RecordEventDrop(sessionID string) {
	EventBufferDrops.WithLabelValues(sessionID).Inc()
}

// SetQueueDepth reports a connector's current pending-request queue depth.
func SetQueueDepth(connectorID string, depth int) {
	QueueDepth.WithLabelValues(connectorID).Set(float64(depth))
}

// ObserveQueueWait records time spent waiting in a connector's queue.
func ObserveQueueWait(connectorID string, seconds float64) {
	QueueWaitSeconds.WithLabelValues(connectorID).Observe(seconds)
}

// ObserveUpstreamLatency records handler execution time once dequeued.
func ObserveUpstreamLatency(connectorID string, seconds float64) {
	UpstreamLatencySeconds.WithLabelValues(connectorID).Observe(seconds)
}
