package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion and analytics pipeline metrics.
var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_webhooks_received_total",
		Help: "Webhook deliveries by provider and outcome",
	}, []string{"provider", "outcome"})

	TransactionsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_transactions_ingested_total",
		Help: "Normalized transactions upserted by source provider",
	}, []string{"provider"})

	CSVRowsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_csv_rows_rejected_total",
		Help: "CSV rows rejected during validation",
	})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_provider_sync_duration_seconds",
		Help:    "Duration of provider pull syncs",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_job_retries_total",
		Help: "Ingestion job retry attempts by source type",
	}, []string{"source_type"})

	RiskEventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_risk_events_created_total",
		Help: "Risk events created by event type",
	}, []string{"event_type"})

	AlertDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_alert_dispatches_total",
		Help: "Alert dispatch records by delivery status",
	}, []string{"status"})
)
