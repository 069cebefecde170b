package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueDepthGauge tracks the number of tasks currently waiting in the delivery queue.
	queueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "feedback",
			Name:      "delivery_queue_depth",
			Help:      "Number of tasks currently waiting in the delivery queue.",
		},
	)

	// enqueueRejectedCounter counts enqueue attempts rejected because the queue was full.
	enqueueRejectedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "delivery_enqueue_rejected_total",
			Help:      "Total number of enqueue attempts rejected due to a full queue.",
		},
	)

	// deliveryAttemptsCounter counts provider send attempts, labeled by provider and outcome.
	deliveryAttemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts.",
		},
		[]string{"provider_name", "outcome"}, // outcome: "sent", "retry_scheduled", "failed_permanent", "failed_exhausted"
	)

	// rateLimitTimeoutsCounter counts deliveries pushed back because no send slot freed up in time.
	rateLimitTimeoutsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "delivery_rate_limit_timeouts_total",
			Help:      "Total number of deliveries rescheduled because the rate limiter timed out.",
		},
	)

	// providerRequestDuration observes the latency of provider send calls.
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedback",
			Name:      "delivery_provider_request_duration_seconds",
			Help:      "Histogram of provider send request durations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name"},
	)

	// redeliveredCounter counts messages the poller moved back into the queue.
	redeliveredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "delivery_redelivered_total",
			Help:      "Total number of messages re-enqueued by the redelivery poller.",
		},
	)
)
