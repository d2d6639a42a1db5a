// Package observability wires tracing and metrics. This file exposes the
// Prometheus collectors for the delivery pipeline itself (the HTTP layer has
// its own middleware collectors). Label cardinality is kept to known, bounded
// sets: dependency names and breaker states.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsEnqueued counts accepted enqueue requests that created a new job.
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_enqueued_total",
		Help: "Total number of jobs created by the producer.",
	})

	// EnqueueDuplicates counts enqueue attempts that collapsed onto an
	// existing job (deterministic-id or idempotency-claim hit).
	EnqueueDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_enqueue_duplicates_total",
		Help: "Total number of enqueue attempts deduplicated onto an existing job.",
	})

	// JobsDelivered counts jobs that reached the delivered terminal state.
	JobsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_delivered_total",
		Help: "Total number of jobs delivered by the transport.",
	})

	// JobsFailed counts jobs that reached the failed terminal state.
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_failed_total",
		Help: "Total number of jobs terminally failed after exhausting attempts.",
	})

	// JobsSkipped counts jobs skipped because the business record no longer
	// warranted sending.
	JobsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_skipped_total",
		Help: "Total number of jobs skipped as stale at processing time.",
	})

	// JobRetries counts transient failures that scheduled another attempt.
	JobRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_job_retries_total",
		Help: "Total number of retry attempts scheduled after transient failures.",
	})

	// DeliveryDuration records end-to-end processing time per job attempt.
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_delivery_duration_seconds",
		Help:    "Duration of a single job processing attempt in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// CircuitTransitions counts breaker state changes per dependency.
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions.",
		},
		[]string{"dependency", "to"},
	)

	// QueueReady gauges the number of ids waiting in the ready queue.
	QueueReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_queue_ready_depth",
		Help: "Number of job ids in the ready queue.",
	})

	// QueueDelayed gauges the number of ids parked in the delayed set.
	QueueDelayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_queue_delayed_depth",
		Help: "Number of job ids in the delayed set.",
	})

	// OutboundThrottled counts sends deferred by the shared rate limiter.
	OutboundThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_outbound_throttled_total",
		Help: "Total number of sends deferred because the outbound window was full.",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued,
		EnqueueDuplicates,
		JobsDelivered,
		JobsFailed,
		JobsSkipped,
		JobRetries,
		DeliveryDuration,
		CircuitTransitions,
		QueueReady,
		QueueDelayed,
		OutboundThrottled,
	)
}
