package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finsight_sessions_created_total",
			Help: "Total number of analysis sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finsight_sessions_active",
			Help: "Number of sessions currently running",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_sessions_completed_total",
			Help: "Total number of sessions reaching a terminal status",
		},
		[]string{"status"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finsight_session_duration_seconds",
			Help:    "End-to-end session duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Stage metrics
	StagesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_stages_started_total",
			Help: "Total number of stages dispatched",
		},
		[]string{"stage"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_stage_duration_seconds",
			Help:    "Stage barrier resolution time in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	StageCeilingHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_stage_ceiling_hits_total",
			Help: "Total number of stages resolved by the ceiling timeout",
		},
		[]string{"stage"},
	)

	// Task metrics
	TaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_task_attempts_total",
			Help: "Total number of task attempts by outcome",
		},
		[]string{"agent", "outcome"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_task_retries_total",
			Help: "Total number of task retries by error kind",
		},
		[]string{"error_kind"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_task_duration_seconds",
			Help:    "Task execution duration in seconds including retries",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240},
		},
		[]string{"agent"},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finsight_task_tokens_used",
			Help:    "Number of completion tokens used per task",
			Buckets: []float64{50, 100, 500, 1000, 2000, 5000, 10000},
		},
	)

	// Provider metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_provider_requests_total",
			Help: "Total number of outbound provider requests",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_provider_latency_seconds",
			Help:    "Outbound provider request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	RateLimitDelays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_rate_limit_delays_total",
			Help: "Total number of dispatches delayed by rate control",
		},
		[]string{"provider"},
	)

	// Event broadcaster metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_events_published_total",
			Help: "Total number of events published to subscribers",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finsight_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finsight_stream_subscribers",
			Help: "Number of live push-channel subscribers",
		},
	)

	// Session mirror metrics
	MirrorWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_mirror_writes_total",
			Help: "Total number of session mirror writes",
		},
		[]string{"status"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finsight_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)
)
