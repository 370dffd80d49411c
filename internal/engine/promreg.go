package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync metrics
var (
	metricSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notioncal_syncs_total",
			Help: "Terminal sync outcomes by direction, operation and status.",
		},
		[]string{"direction", "operation", "status"},
	)

	metricSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notioncal_sync_duration_seconds",
			Help:    "Wall time of one sync application, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	metricSyncRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notioncal_sync_retries_total",
			Help: "Remote call attempts beyond the first.",
		},
	)
)

// Boundary metrics
var (
	metricDedupDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notioncal_dedup_drops_total",
			Help: "Notifications dropped as duplicate deliveries.",
		},
		[]string{"system"},
	)

	metricWebhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notioncal_webhook_rejections_total",
			Help: "Webhook deliveries rejected before reaching the engine.",
		},
		[]string{"system", "reason"},
	)
)

// CountWebhookRejection records a webhook delivery rejected at the HTTP
// boundary before it reached the engine.
func CountWebhookRejection(system, reason string) {
	metricWebhookRejections.WithLabelValues(system, reason).Inc()
}

// Historical sync metrics
var (
	metricHistoryItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notioncal_history_items_total",
			Help: "Items processed by historical sync runs.",
		},
	)

	metricHistoryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notioncal_history_runs_total",
			Help: "Historical sync runs by terminal state.",
		},
		[]string{"state"},
	)
)
