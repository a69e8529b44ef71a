package telemetry

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "costwatchdog",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method, route, and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var DocumentsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "ingestion",
		Name:      "documents_total",
		Help:      "Total number of documents ingested, by connector and outcome.",
	},
	[]string{"connector", "outcome"},
)

var CostRecordsExtractedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "ingestion",
		Name:      "cost_records_extracted_total",
		Help:      "Total number of cost records extracted from ingested documents.",
	},
	[]string{"connector"},
)

var IngestionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "costwatchdog",
		Subsystem: "ingestion",
		Name:      "duration_seconds",
		Help:      "Document ingestion duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"connector"},
)

var AnomaliesDetectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "anomaly",
		Name:      "detected_total",
		Help:      "Total number of anomalies detected, by check and severity.",
	},
	[]string{"check", "severity"},
)

var AnomalyCheckDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "costwatchdog",
		Subsystem: "anomaly",
		Name:      "check_duration_seconds",
		Help:      "Anomaly check evaluation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	},
	[]string{"check"},
)

var AggregationRebuildsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "aggregate",
		Name:      "rebuilds_total",
		Help:      "Total number of full monthly-aggregate rebuilds run.",
	},
)

var OutboxEventsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "outbox",
		Name:      "dispatched_total",
		Help:      "Total number of outbox events dispatched, by event type and outcome.",
	},
	[]string{"event_type", "outcome"},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "costwatchdog",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of jobs waiting in a named queue.",
	},
	[]string{"queue"},
)

var QueueJobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Total number of queue jobs processed, by queue and outcome.",
	},
	[]string{"queue", "outcome"},
)

var AlertsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "alerts",
		Name:      "dispatched_total",
		Help:      "Total number of alerts dispatched, by channel and outcome.",
	},
	[]string{"channel", "outcome"},
)

var AlertsSuppressedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Total number of alerts suppressed by the daily cap, by reason.",
	},
	[]string{"reason"},
)

var AuthLoginAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "auth",
		Name:      "login_attempts_total",
		Help:      "Total number of login attempts, by outcome.",
	},
	[]string{"outcome"},
)

var AuthTokenTheftDetectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "auth",
		Name:      "token_theft_detected_total",
		Help:      "Total number of refresh-token reuse events that triggered family revocation.",
	},
)

var RateLimitRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of requests rejected by the sliding-window rate limiter, by scope.",
	},
	[]string{"scope"},
)

var RetentionRowsPurgedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "costwatchdog",
		Subsystem: "retention",
		Name:      "rows_purged_total",
		Help:      "Total number of rows purged by the retention scheduler, by task.",
	},
	[]string{"task"},
)

// All returns all cost-watchdog-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		DocumentsIngestedTotal,
		CostRecordsExtractedTotal,
		IngestionDuration,
		AnomaliesDetectedTotal,
		AnomalyCheckDuration,
		AggregationRebuildsTotal,
		OutboxEventsDispatchedTotal,
		QueueDepth,
		QueueJobsProcessedTotal,
		AlertsDispatchedTotal,
		AlertsSuppressedTotal,
		AuthLoginAttemptsTotal,
		AuthTokenTheftDetectedTotal,
		RateLimitRejectedTotal,
		RetentionRowsPurgedTotal,
	}
}
