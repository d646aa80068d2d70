// Package metrics defines Prometheus metrics for the trust core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustcore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_events_appended_total",
			Help: "Audit events appended to the ledger",
		},
		[]string{"event_type"},
	)

	AppendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_append_head_retries_total",
			Help: "Appends retried because the chain head moved",
		},
	)

	SigningFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_signing_fallbacks_total",
			Help: "Remote signing failures that fell back to the local signer",
		},
	)

	VerificationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_verification_runs_total",
			Help: "Chain verification runs by outcome",
		},
		[]string{"outcome"},
	)

	IdempotencyReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_idempotency_replays_total",
			Help: "Guarded requests served from a cached result",
		},
	)

	IdempotencyConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_idempotency_conflicts_total",
			Help: "Idempotency keys reused with a different request body",
		},
	)

	IdempotencyDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_idempotency_gc_deleted_total",
			Help: "Expired idempotency records removed by the GC worker",
		},
	)

	ProposalsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_proposals_expired_total",
			Help: "Proposals expired without reaching quorum",
		},
	)

	PolicyViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustcore_policy_violations_total",
			Help: "Ratified proposals missing retroactive approvals past deadline",
		},
	)

	StreamExports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_stream_exports_total",
			Help: "Audit events exported to the broker by outcome",
		},
		[]string{"outcome"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_errors_total",
			Help: "Total errors by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal,
		EventsAppended, AppendRetries, SigningFallbacks,
		VerificationRuns,
		IdempotencyReplays, IdempotencyConflicts, IdempotencyDeleted,
		ProposalsExpired, PolicyViolations,
		StreamExports, ErrorsTotal,
	)
}
