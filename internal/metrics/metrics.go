package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agromon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agromon_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "route"},
	)

	// Delivery pipeline metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_deliveries_total",
			Help: "Queue deliveries by final disposition",
		},
		[]string{"outcome"}, // acked, nacked, dropped, stale
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agromon_in_flight",
			Help: "Deliveries received but not yet acknowledged",
		},
	)

	AckErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_ack_errors_total",
			Help: "Failures sending an ack or nack back to the broker",
		},
		[]string{"kind"}, // ack, nack
	)

	SourceReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agromon_source_reconnects_total",
			Help: "Times the queue source was reopened after the transport closed",
		},
	)

	// Engine metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_evaluations_total",
			Help: "Engine evaluations by outcome",
		},
		[]string{"outcome"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agromon_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one reading, store I/O included",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_alerts_raised_total",
			Help: "Alerts created by the engine",
		},
		[]string{"type"},
	)

	AlertsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_alerts_resolved_total",
			Help: "Alerts resolved, by who resolved them",
		},
		[]string{"by"}, // engine, api
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agromon_worker_queue_size",
			Help: "Jobs queued across all worker shards",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agromon_worker_queue_capacity",
			Help: "Total capacity of the worker shard queues",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agromon_worker_processed_total",
			Help: "Total number of jobs run by workers",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agromon_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_kafka_commits_total",
			Help: "Offset commits issued to the consumer group",
		},
		[]string{"status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromon_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
