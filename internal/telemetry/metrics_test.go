package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEvaluation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordEvaluation("FEASDIR", "function", "live", false, time.Millisecond)
	m.RecordEvaluation("FEASDIR", "function", "live", true, time.Millisecond)
	m.RecordEvaluation("FEASDIR", "function", "history", false, 0)
	m.RecordEvaluation("FEASDIR", "gradient", "live", false, time.Millisecond)

	if got := testutil.ToFloat64(m.evaluations.WithLabelValues("FEASDIR", "function", "live")); got != 2 {
		t.Errorf("live function evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.evaluations.WithLabelValues("FEASDIR", "function", "history")); got != 1 {
		t.Errorf("replayed evaluations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("FEASDIR")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.duration); got != 2 {
		t.Errorf("expected 2 latency series, got %d", got)
	}
}

func TestHotStartExhausted(t *testing.T) {
	m := New(nil)
	m.RecordHotStartExhausted("MAYFLY")
	if got := testutil.ToFloat64(m.exhausted.WithLabelValues("MAYFLY")); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
	if m.Registry() == nil {
		t.Error("expected a registry")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordEvaluation("FEASDIR", "function", "live", true, time.Second)
	m.RecordHotStartExhausted("FEASDIR")
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.RecordEvaluation("FEASDIR", "function", "live", false, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "optbridge_evaluations_total") {
		t.Error("metrics output missing evaluations counter")
	}
}
