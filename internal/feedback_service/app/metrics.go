package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// natsEventsReceivedCounter counts raw events consumed from NATS, labeled by subject.
	natsEventsReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "app_nats_events_received_total",
			Help:      "Total number of raw events received from NATS subscriptions.",
		},
		[]string{"subject"},
	)

	// inboundProcessedCounter counts inbound message handling outcomes.
	inboundProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "app_inbound_processed_total",
			Help:      "Total number of inbound customer messages handled.",
		},
		[]string{"outcome"}, // outcome: "processed", "duplicate", "error"
	)

	// replyQueueFullCounter counts replies that could not be enqueued because the delivery queue was full.
	replyQueueFullCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "app_reply_queue_full_total",
			Help:      "Total number of replies persisted but not enqueued due to a full delivery queue.",
		},
	)

	// followUpFlaggedCounter counts conversations newly flagged for staff follow-up.
	followUpFlaggedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "app_follow_up_flagged_total",
			Help:      "Total number of conversations flagged for manual follow-up.",
		},
	)

	// statusCallbacksCounter counts delivery-status callbacks, labeled by provider status and outcome.
	statusCallbacksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "app_status_callbacks_total",
			Help:      "Total number of delivery-status callbacks processed.",
		},
		[]string{"status", "outcome"}, // outcome: "applied", "unknown_message", "unknown_status", "error"
	)

	// outreachCounter counts outreach requests, labeled by outcome.
	outreachCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "app_outreach_total",
			Help:      "Total number of feedback outreach requests handled.",
		},
		[]string{"outcome"}, // outcome: "sent", "skipped", "error"
	)
)
