// Package metrics provides Prometheus metrics for the WebForge engine.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forge"

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	// HTTP API
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Pipeline runs
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ActiveRuns       prometheus.Gauge
	StageTransitions *prometheus.CounterVec

	// Fix loop
	FixAttemptsTotal *prometheus.CounterVec
	FixLoopOutcomes  *prometheus.CounterVec

	// Supervised processes
	ProcessesRunning *prometheus.GaugeVec
	ProcessStarts    *prometheus.CounterVec
	ProcessStops     *prometheus.CounterVec

	// Gateway
	SessionsConnected prometheus.Gauge
	EventsSent        *prometheus.CounterVec
	EventsDropped     prometheus.Counter

	// Model client
	AIRequestsTotal   *prometheus.CounterVec
	AIRequestDuration *prometheus.HistogramVec
	AITokensTotal     *prometheus.CounterVec

	// Cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Database
	DBQueriesTotal    *prometheus.CounterVec
	DBConnectionsOpen prometheus.Gauge
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance, creating it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by endpoint, method, and status.",
		}, []string{"endpoint", "method", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by endpoint and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),

		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by kind and result.",
		}, []string{"kind", "result"}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run wall time by kind.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind"}),
		ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "active_runs",
			Help:      "Pipeline runs currently executing.",
		}),
		StageTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_transitions_total",
			Help:      "Stage transitions by stage name.",
		}, []string{"stage"}),

		FixAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fixloop",
			Name:      "attempts_total",
			Help:      "Repair attempts by project kind.",
		}, []string{"kind"}),
		FixLoopOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fixloop",
			Name:      "outcomes_total",
			Help:      "Fix-loop terminal outcomes (passed, gave_up, infra_error).",
		}, []string{"outcome"}),

		ProcessesRunning: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "running",
			Help:      "Supervised child processes currently running, by kind.",
		}, []string{"kind"}),
		ProcessStarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Child process starts by kind and status.",
		}, []string{"kind", "status"}),
		ProcessStops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Child process stops by kind and how they ended.",
		}, []string{"kind", "reason"}),

		SessionsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions_connected",
			Help:      "WebSocket sessions currently connected.",
		}),
		EventsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_sent_total",
			Help:      "Events delivered to sessions by type.",
		}, []string{"type"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a session was too slow.",
		}),

		AIRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Model API requests by operation and status.",
		}, []string{"operation", "status"}),
		AIRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "Model API request latency by operation.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"operation"}),
		AITokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and direction.",
		}, []string{"model", "direction"}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses.",
		}),

		DBQueriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "queries_total",
			Help:      "Database operations by kind and status.",
		}, []string{"operation", "status"}),
		DBConnectionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Open database connections.",
		}),
	}
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordRun records a terminal pipeline run.
func (m *Metrics) RecordRun(kind, result string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(kind, result).Inc()
	m.RunDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStage records a stage transition.
func (m *Metrics) RecordStage(stage string) {
	m.StageTransitions.WithLabelValues(stage).Inc()
}

// RecordFixAttempt records one repair attempt.
func (m *Metrics) RecordFixAttempt(kind string) {
	m.FixAttemptsTotal.WithLabelValues(kind).Inc()
}

// RecordFixOutcome records a fix-loop terminal outcome.
func (m *Metrics) RecordFixOutcome(outcome string) {
	m.FixLoopOutcomes.WithLabelValues(outcome).Inc()
}

// RecordProcessStart records a child process start.
func (m *Metrics) RecordProcessStart(kind string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ProcessStarts.WithLabelValues(kind, status).Inc()
	if ok {
		m.ProcessesRunning.WithLabelValues(kind).Inc()
	}
}

// RecordProcessStop records a child process stop.
func (m *Metrics) RecordProcessStop(kind, reason string) {
	m.ProcessStops.WithLabelValues(kind, reason).Inc()
	m.ProcessesRunning.WithLabelValues(kind).Dec()
}

// RecordEvent records an event delivered to a session.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsSent.WithLabelValues(eventType).Inc()
}

// RecordAIRequest records one model API call.
func (m *Metrics) RecordAIRequest(operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AIRequestsTotal.WithLabelValues(operation, status).Inc()
	m.AIRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTokens records token usage for a model.
func (m *Metrics) RecordTokens(model string, prompt, completion int) {
	if prompt > 0 {
		m.AITokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.AITokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}
