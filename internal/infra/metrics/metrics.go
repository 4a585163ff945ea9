// Package metrics provides Prometheus metrics for sleuth: the job queue,
// investigation tasks, webhook deliveries, live streams, and the analysis API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sleuth"

// ─── Job Queue ──────────────────────────────────────────────────────────────

// JobsProcessed counts finished job attempts by type and outcome
// (completed, retried, failed).
var JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "jobs_processed_total",
	Help:      "Job attempts by outcome.",
}, []string{"type", "outcome"})

// JobDuration tracks handler run time in seconds.
var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "job_duration_seconds",
	Help:      "Job handler duration in seconds.",
	Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
}, []string{"type"})

// JobsActive tracks handlers currently running in this process.
var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "jobs_active",
	Help:      "Number of job handlers currently running.",
})

// QueueDepth is sampled from the job table by status.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Jobs in the durable queue by status.",
}, []string{"status"})

// LeasesReaped counts jobs returned to the queue after a lapsed lease.
var LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "leases_reaped_total",
	Help:      "Jobs redelivered after their lease expired.",
})

// ─── Investigations ─────────────────────────────────────────────────────────

// InvestigationsStarted counts start requests by outcome (queued, cached, complete).
var InvestigationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "investigations_started_total",
	Help:      "Investigation start requests by outcome.",
}, []string{"outcome"})

// TasksFinished counts tasks reaching a terminal status.
var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_finished_total",
	Help:      "Tasks reaching a terminal status.",
}, []string{"status"})

// ─── Webhooks ───────────────────────────────────────────────────────────────

// WebhookDeliveries counts delivery attempts by resulting status.
var WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "webhook_deliveries_total",
	Help:      "Webhook delivery attempts by resulting status.",
}, []string{"type", "status"})

// ─── Streams ────────────────────────────────────────────────────────────────

// StreamsActive tracks open status streams.
var StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "streams_active",
	Help:      "Open server-sent event streams.",
})

// ─── Analysis API ───────────────────────────────────────────────────────────

// AnalysisRequests counts calls to the analysis service.
var AnalysisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "analysis_requests_total",
	Help:      "Analysis API calls by endpoint and outcome.",
}, []string{"endpoint", "outcome"})

// AnalysisLatency tracks analysis API call duration.
var AnalysisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "analysis_latency_seconds",
	Help:      "Analysis API call duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"endpoint"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus reports each health check (1 healthy, 0 failing).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result (1 healthy, 0 failing).",
}, []string{"check"})

// BreakerState reports each circuit breaker (0 closed, 1 open, 2 half-open).
var BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "breaker_state",
	Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
}, []string{"name"})
