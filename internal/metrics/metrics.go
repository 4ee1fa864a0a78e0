// Package metrics expõe os contadores Prometheus do cam-counter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestão
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Device callbacks received, by event kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: recorded, ignored, failed
	)

	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_failures_total",
			Help: "Ingestion failures by stage",
		},
		[]string{"kind", "stage"}, // stage: identity, record, rollup, archive
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "End-to-end ingestion latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_recorded_total",
			Help: "Event rows appended to the event log",
		},
		[]string{"kind"},
	)

	FaceAttributeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "face_attribute_insert_failures_total",
			Help: "Per-face attribute rows that could not be stored",
		},
	)

	// Store
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBConflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_conflict_retries_total",
			Help: "Writes retried after a DuckDB transaction conflict",
		},
		[]string{"operation"},
	)

	// Live
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_subscribers",
			Help: "Currently attached live stream subscribers",
		},
	)

	LiveDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "live_events_dropped_total",
			Help: "Live notifications dropped because a subscriber buffer was full",
		},
	)

	MQTTPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_publish_errors_total",
			Help: "Live events that failed to publish to MQTT",
		},
	)

	// Device LAPI
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	DeviceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_requests_total",
			Help: "Outbound LAPI requests to devices",
		},
		[]string{"endpoint", "outcome"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)
)

// ObserveQuery registra a duração de uma operação no DuckDB.
func ObserveQuery(operation string, start time.Time) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
