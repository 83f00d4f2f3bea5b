// Package metrics defines the Prometheus collectors for the fulfillment
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue consumer metrics
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_messages_received_total",
			Help: "Total number of queue messages received",
		},
		[]string{"queue"},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_messages_processed_total",
			Help: "Total number of queue messages processed successfully",
		},
		[]string{"queue"},
	)

	MessageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_message_errors_total",
			Help: "Total number of queue messages that failed processing",
		},
		[]string{"queue"},
	)

	InflightMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulfillment_inflight_messages",
			Help: "Number of queue messages currently being processed",
		},
	)

	RunningConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulfillment_running_consumers",
			Help: "Number of queue consumers currently running",
		},
	)

	// Pipeline progress metrics
	DataItemsPlannedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_data_items_planned_total",
			Help: "Total number of data items moved from new to planned",
		},
	)

	DataItemsPermanentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_data_items_permanent_total",
			Help: "Total number of data items promoted to permanent",
		},
	)

	DataItemsRepackedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_data_items_repacked_total",
			Help: "Total number of data items repacked after a bundle failure",
		},
	)

	DataItemsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_data_items_failed_total",
			Help: "Total number of data items moved to failed",
		},
		[]string{"reason"},
	)

	BundlesPostedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_bundles_posted_total",
			Help: "Total number of bundle transactions posted to the gateway",
		},
	)

	BundlesSeededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_bundles_seeded_total",
			Help: "Total number of bundle payloads fully seeded",
		},
	)

	BundlesPermanentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_bundles_permanent_total",
			Help: "Total number of bundles promoted to permanent",
		},
	)

	BundlesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_bundles_dropped_total",
			Help: "Total number of bundles moved to failed",
		},
		[]string{"reason"},
	)

	// Job metrics
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fulfillment_job_duration_seconds",
			Help:    "Duration of pipeline job executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"job"},
	)

	JobErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_job_errors_total",
			Help: "Total number of pipeline job errors",
		},
		[]string{"job"},
	)

	JobOverdueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_job_overdue_total",
			Help: "Total number of scheduler ticks skipped because the previous run was still in flight",
		},
		[]string{"job"},
	)

	// Gateway metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_gateway_requests_total",
			Help: "Total number of gateway requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
)
