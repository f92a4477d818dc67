package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/admin/reconcile", "/admin/reconcile"},
		{"/", "/"},
		{"", "/"},
		{"/photos-standard/2025/01/01/x.jpg", "/{other}"},
		{"/random", "/{other}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Safe to call repeatedly.
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	StoredBytes.Observe(1024)
	URLRefreshesTotal.Inc()
	ReconcileDuration.Observe(1.5)
	ReconcileFindingsTotal.WithLabelValues("orphaned_metadata", "marked_failed").Inc()
	QuarantinedBlobs.Set(3)
	URLCacheEntries.Set(7)
}

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("store", "success"))
	ObserveOperation("store", "success", time.Now())
	after := testutil.ToFloat64(OperationsTotal.WithLabelValues("store", "success"))
	if after-before != 1 {
		t.Errorf("store/success delta = %v, want 1", after-before)
	}
}

func TestObserveUndo(t *testing.T) {
	applied := testutil.ToFloat64(CompensationsTotal.WithLabelValues("applied"))
	failed := testutil.ToFloat64(CompensationsTotal.WithLabelValues("failed"))

	ObserveUndo(nil)
	ObserveUndo(errors.New("boom"))

	if d := testutil.ToFloat64(CompensationsTotal.WithLabelValues("applied")) - applied; d != 1 {
		t.Errorf("applied delta = %v", d)
	}
	if d := testutil.ToFloat64(CompensationsTotal.WithLabelValues("failed")) - failed; d != 1 {
		t.Errorf("failed delta = %v", d)
	}
}
