// Package metrics defines custom Prometheus metrics for the photo store.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for payload size histograms (bytes).
var sizeBuckets = []float64{4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration) for the operational server.
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photostore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photostore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Coordinator metrics.
var (
	// OperationsTotal counts coordinator operations by name and outcome
	// (success, validation, not_found, connectivity, error).
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photostore_operations_total",
			Help: "Coordinator operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration observes coordinator operation latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photostore_operation_duration_seconds",
			Help:    "Coordinator operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// StoredBytes observes the payload size of successful stores.
	StoredBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photostore_stored_payload_bytes",
			Help:    "Payload size of stored photos in bytes",
			Buckets: sizeBuckets,
		},
	)

	// CompensationsTotal counts undo actions by outcome (applied, failed).
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photostore_compensations_total",
			Help: "Undo actions run by compensation transactions",
		},
		[]string{"outcome"},
	)

	// URLRefreshesTotal counts direct-access URLs re-minted on read.
	URLRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "photostore_url_refreshes_total",
			Help: "Expired direct-access URLs regenerated on fetch",
		},
	)
)

// Reconciler metrics.
var (
	// ReconcileRunsTotal counts sweeps by result (completed, failed, skipped).
	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photostore_reconcile_runs_total",
			Help: "Consistency sweeps by result",
		},
		[]string{"result"},
	)

	// ReconcileDuration observes sweep duration in seconds.
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photostore_reconcile_duration_seconds",
			Help:    "Consistency sweep duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// ReconcileFindingsTotal counts findings by kind and remediation action.
	ReconcileFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photostore_reconcile_findings_total",
			Help: "Drift findings by kind and action",
		},
		[]string{"kind", "action"},
	)

	// QuarantinedBlobs tracks the quarantine ledger size after the last sweep.
	QuarantinedBlobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "photostore_quarantined_blobs",
			Help: "Unreferenced blobs currently in quarantine",
		},
	)
)

// Access-URL cache metrics.
var (
	// URLCacheRequestsTotal counts cache lookups by result (hit, miss).
	URLCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photostore_url_cache_requests_total",
			Help: "Access-URL cache lookups by result",
		},
		[]string{"result"},
	)

	// URLCacheEntries tracks the current number of cached URLs.
	URLCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "photostore_url_cache_entries",
			Help: "Entries in the access-URL cache",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			OperationsTotal,
			OperationDuration,
			StoredBytes,
			CompensationsTotal,
			URLRefreshesTotal,
			ReconcileRunsTotal,
			ReconcileDuration,
			ReconcileFindingsTotal,
			QuarantinedBlobs,
			URLCacheRequestsTotal,
			URLCacheEntries,
		)
		// Initialize label sets so they appear in /metrics output before
		// the first sweep or cache lookup.
		for _, r := range []string{"completed", "failed", "skipped"} {
			ReconcileRunsTotal.WithLabelValues(r)
		}
		URLCacheRequestsTotal.WithLabelValues("hit")
		URLCacheRequestsTotal.WithLabelValues("miss")
	})
}

// ObserveOperation records one coordinator operation.
func ObserveOperation(operation, outcome string, started time.Time) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveUndo records one undo attempt.
func ObserveUndo(err error) {
	if err != nil {
		CompensationsTotal.WithLabelValues("failed").Inc()
		return
	}
	CompensationsTotal.WithLabelValues("applied").Inc()
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. Unknown paths collapse into
// a single label to keep cardinality bounded.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Stoplight Elements assets.
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/admin/") {
		return path
	}
	return "/{other}"
}
