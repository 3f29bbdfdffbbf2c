package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_router_events_ingested_total",
			Help: "Webhook events accepted by the ingest endpoint.",
		},
		[]string{"event_type"},
	)

	IngestRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_router_ingest_rejections_total",
			Help: "Webhook requests rejected during admission.",
		},
		[]string{"reason"},
	)

	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_router_delivery_attempts_total",
			Help: "Delivery attempts by transport kind and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	DeliveryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_router_delivery_duration_seconds",
			Help:    "Delivery latency by transport kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_router_retries_scheduled_total",
			Help: "Retries scheduled after failed delivery attempts.",
		},
	)

	QueueMessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_router_queue_messages_received_total",
			Help: "Fan-out messages received by the worker pool.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_router_queue_depth",
			Help: "Approximate number of messages waiting in the queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsIngested,
		IngestRejections,
		DeliveryAttempts,
		DeliveryDurationSeconds,
		RetriesScheduled,
		QueueMessagesReceived,
		QueueDepth,
	)
}
