package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalengine_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Ingest metrics
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_ingest_total",
			Help: "Total number of samples and events submitted",
		},
		[]string{"kind", "status"}, // status: accepted, duplicate, rejected
	)

	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_kafka_messages_total",
			Help: "Kafka messages consumed",
		},
		[]string{"topic", "status"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalengine_event_queue_depth",
			Help: "Items waiting in the event queue across all shards",
		},
	)

	QueueDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalengine_event_queue_deferred_total",
			Help: "Items left for the next sweep because the event queue was full",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_panics_recovered_total",
			Help: "Total number of recovered panics",
		},
		[]string{"source"},
	)

	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_evaluations_total",
			Help: "Signal evaluations by classification",
		},
		[]string{"classification", "confidence"}, // confidence: low, ok
	)

	ScoresComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_scores_computed_total",
			Help: "Score computations by type and zone",
		},
		[]string{"score_type", "zone", "stale"},
	)

	TriggerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_trigger_outcomes_total",
			Help: "Trigger evaluation outcomes",
		},
		[]string{"trigger_id", "outcome"},
	)

	DuplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_duplicates_suppressed_total",
			Help: "Matches suppressed by dedup or cooldown",
		},
		[]string{"trigger_id"},
	)

	AlertEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_alert_events_total",
			Help: "Alert lifecycle events",
		},
		[]string{"event", "severity"},
	)

	// Workflow metrics
	WorkflowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_workflow_steps_total",
			Help: "Workflow steps by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	WorkflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_workflow_runs_total",
			Help: "Workflow runs by terminal status",
		},
		[]string{"status"},
	)

	ApprovalTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalengine_approval_timeouts_total",
			Help: "Approval waits that timed out",
		},
	)

	SLAEscalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalengine_sla_escalations_total",
			Help: "Runs escalated after their SLA deadline",
		},
	)

	// Delivery metrics
	DeliveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_delivery_total",
			Help: "Delivery intents handed to the gateway",
		},
		[]string{"gateway", "channel", "status"}, // status: ack, nack, error
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalengine_delivery_duration_seconds",
			Help:    "Gateway delivery latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalengine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Scheduler metrics
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalengine_tick_duration_seconds",
			Help:    "Scheduled job duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	TickFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalengine_tick_failures_total",
			Help: "Scheduled job failures",
		},
		[]string{"job"},
	)
)
