package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router metrics

	// RouterMessagesReceived tracks pointers received from queue consumers
	RouterMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "router",
			Name:      "messages_received_total",
			Help:      "Total pointer messages received from queue consumers",
		},
		[]string{"queue_type"},
	)

	// RouterMessagesAcked tracks positive acknowledgements back to the broker
	RouterMessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "router",
			Name:      "messages_acked_total",
			Help:      "Total messages acknowledged back to the broker",
		},
		[]string{"pool_code"},
	)

	// RouterMessagesNacked tracks negative acknowledgements back to the broker
	RouterMessagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "router",
			Name:      "messages_nacked_total",
			Help:      "Total messages negatively acknowledged back to the broker",
		},
		[]string{"pool_code"},
	)

	// RouterDuplicatesDropped tracks in-flight duplicates acked without delivery
	RouterDuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "router",
			Name:      "duplicates_dropped_total",
			Help:      "Total redelivered pointers acked without delivery because the id was already in flight",
		},
	)

	// RouterSaturationEvents tracks pool-full rejections seen by the router
	RouterSaturationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "router",
			Name:      "saturation_events_total",
			Help:      "Total submissions rejected by a pool at capacity",
		},
		[]string{"pool_code"},
	)

	// Pool metrics

	// PoolMessagesProcessed tracks total messages processed by pool
	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by processing pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, rate_limited, circuit_open, poison
	)

	// PoolActiveWorkers tracks number of active group workers
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of active group workers in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks queue depth (pending messages)
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of messages pending in the pool group inboxes",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits tracks available concurrency permits
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks active message groups
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of active message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// Rate limiter metrics

	// RateLimiterAcquired tracks successful token acquisitions
	RateLimiterAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "rate_limiter",
			Name:      "acquired_total",
			Help:      "Total successful rate limit token acquisitions",
		},
		[]string{"pool_code"},
	)

	// RateLimiterRejected tracks failed token acquisitions
	RateLimiterRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "rate_limiter",
			Name:      "rejected_total",
			Help:      "Total rate limit token acquisitions that did not succeed in time",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	// MediatorDuration tracks mediation duration by pool and outcome
	MediatorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "duration_seconds",
			Help:      "Mediation duration by pool and outcome",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"pool", "outcome"}, // outcome: success, nack, error_config
	)

	// MediatorHTTPRequests tracks HTTP requests made by the mediator
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// Circuit breaker metrics

	// CircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerCalls tracks call outcomes through each breaker
	CircuitBreakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "circuit_breaker",
			Name:      "calls_total",
			Help:      "Total calls through the circuit breaker by result",
		},
		[]string{"name", "result"}, // result: success, failure, rejected
	)

	// CircuitBreakerTrips tracks open transitions
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"name"},
	)

	// Queue metrics

	// QueueMessagesPublished tracks messages published to queue
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to queue",
		},
		[]string{"queue_type"}, // sqs, activemq, nats, embedded
	)

	// QueueMessagesConsumed tracks messages consumed from queue
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from queue",
		},
		[]string{"queue_type"},
	)

	// QueuePublishErrors tracks queue publish errors
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// Consumer health metrics

	// ConsumerRestarts tracks consumer restart attempts
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restart attempts due to stall detection",
		},
	)

	// ConsumerStallEvents tracks consumer stall events
	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Pipeline metrics (for in-flight leak detection)

	// PipelineMapSize tracks the size of the in-flight table
	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "map_size",
			Help:      "Number of messages currently in the processing pipeline",
		},
	)

	// PipelineTotalCapacity tracks total pool capacity
	PipelineTotalCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "total_capacity",
			Help:      "Total capacity across all processing pools",
		},
	)

	// Standby metrics

	// StandbyRole tracks the current cluster role (0=standby, 1=primary)
	StandbyRole = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "standby",
			Name:      "role",
			Help:      "Current cluster role (0=standby, 1=primary)",
		},
	)

	// Config fetcher metrics

	// ConfigFetches tracks config fetch attempts per source
	ConfigFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "config",
			Name:      "fetches_total",
			Help:      "Total configuration fetch attempts by source and result",
		},
		[]string{"source", "result"}, // result: success, failure
	)

	// ConfigApplied tracks applied configuration snapshots
	ConfigApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "config",
			Name:      "applied_total",
			Help:      "Total configuration snapshots applied",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

// StandbyRole constants
const (
	StandbyRoleStandby = 0
	StandbyRolePrimary = 1
)
