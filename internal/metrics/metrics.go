package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoutingDecisions tracks planning passes by outcome
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_engine_decisions_total",
			Help: "Total number of routing decisions computed",
		},
		[]string{"category", "priority", "reason"},
	)

	// PlannerDuration tracks how long a planning pass takes
	PlannerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routing_engine_planner_duration_seconds",
			Help:    "Delivery planning duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	// DispatchAttempts tracks channel dispatch attempts by outcome
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_engine_dispatch_attempts_total",
			Help: "Total number of channel dispatch attempts",
		},
		[]string{"channel", "status"},
	)

	// DispatchDuration tracks per-channel send duration
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routing_engine_dispatch_duration_seconds",
			Help:    "Channel send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Escalations tracks escalation state transitions
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_engine_escalations_total",
			Help: "Total number of escalation transitions",
		},
		[]string{"trigger", "status"},
	)

	// RateCapped tracks notifications deferred by a context rate cap
	RateCapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_engine_rate_capped_total",
			Help: "Total number of notifications deferred by rate caps",
		},
		[]string{"context"},
	)

	// DeferredQueueDepth tracks entries waiting in the deferred delivery queue
	DeferredQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routing_engine_deferred_queue_depth",
			Help: "Current number of deferred delivery plans queued",
		},
	)

	// EscalationTimers tracks armed in-memory escalation timers
	EscalationTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routing_engine_escalation_timers",
			Help: "Current number of armed escalation timers",
		},
	)

	// CircuitOpen tracks per-channel circuit breaker state (1 = open)
	CircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routing_engine_channel_circuit_open",
			Help: "Whether the channel circuit breaker is open",
		},
		[]string{"channel"},
	)

	// ConsumerRestarts tracks event consumer restart events
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routing_engine_consumer_restarts_total",
			Help: "Total number of event consumer restarts",
		},
	)

	// APIRateLimited tracks HTTP requests rejected by the API rate limiter
	APIRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_engine_api_rate_limited_total",
			Help: "Total number of requests rejected by the API rate limiter",
		},
		[]string{"organization_id"},
	)
)
