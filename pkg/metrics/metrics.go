// Package metrics defines the Prometheus collectors for the accountability
// pipeline and exposes the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	LogsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountability_logs_ingested_total",
			Help: "Total number of decision logs accepted by workers, by status",
		},
		[]string{"status"},
	)

	LogsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountability_logs_rejected_total",
			Help: "Total number of decision logs rejected by workers, by reason",
		},
		[]string{"reason"},
	)

	AnomaliesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountability_anomalies_detected_total",
			Help: "Total number of logs promoted to anomaly by the classifier",
		},
	)

	DuplicatesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountability_duplicates_suppressed_total",
			Help: "Total number of messages dropped by idempotency checks",
		},
	)

	// Bus metrics
	MessagesRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountability_bus_retries_total",
			Help: "Total number of redeliveries scheduled, by subject",
		},
		[]string{"subject"},
	)

	MessagesDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountability_bus_dead_lettered_total",
			Help: "Total number of messages moved to a DLQ subject, by source subject",
		},
		[]string{"subject"},
	)

	// Audit metrics
	AuditChainLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountability_audit_chain_length",
			Help: "Current number of entries in the audit chain",
		},
	)

	WindowsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountability_merkle_windows_finalized_total",
			Help: "Total number of Merkle windows sealed",
		},
	)

	// Notifier metrics
	NotifierSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountability_notifier_sessions",
			Help: "Currently connected WebSocket sessions",
		},
	)

	NotifierRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountability_notifier_rooms",
			Help: "Currently active notification rooms",
		},
	)

	EventsFannedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountability_notifier_events_total",
			Help: "Total number of events delivered to WebSocket sessions, by type",
		},
		[]string{"type"},
	)

	FanoutSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountability_notifier_fanout_skipped_total",
			Help: "Total number of room broadcasts skipped by the load-shed threshold",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountability_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accountability_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LogsIngested)
	prometheus.MustRegister(LogsRejected)
	prometheus.MustRegister(AnomaliesDetected)
	prometheus.MustRegister(DuplicatesSuppressed)
	prometheus.MustRegister(MessagesRetried)
	prometheus.MustRegister(MessagesDeadLettered)
	prometheus.MustRegister(AuditChainLength)
	prometheus.MustRegister(WindowsFinalized)
	prometheus.MustRegister(NotifierSessions)
	prometheus.MustRegister(NotifierRooms)
	prometheus.MustRegister(EventsFannedOut)
	prometheus.MustRegister(FanoutSkipped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
