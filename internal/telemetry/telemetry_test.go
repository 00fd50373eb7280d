package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/metrics"
	"github.com/torosent/crankexport/internal/pipeline"
)

func batchOf(counts ...int64) export.Batch {
	var b export.Batch
	for _, n := range counts {
		b.Metrics = append(b.Metrics, &metrics.AggregatedMetric{Statistic: metrics.Statistic{Count: n}})
	}
	return b
}

func TestCollectorCountsOutcomes(t *testing.T) {
	c := New()

	c.ReportIngested("w1", 3)
	c.ReportIngested("w1", 2)
	c.ReportIngested("w2", 1)
	c.ReportLate("w1", 4)

	c.BatchSettled(delivery.Result{Batch: batchOf(2, 3)})
	c.BatchSettled(delivery.Result{Batch: batchOf(4), Reason: metrics.DropPermanent, Err: errors.New("bad")})
	c.BatchSettled(delivery.Result{Batch: batchOf(1), Reason: metrics.DropRetriesExhausted, Retries: 3})

	if got := testutil.ToFloat64(c.reportsIngested.WithLabelValues("w1")); got != 2 {
		t.Errorf("w1 reports = %v", got)
	}
	if got := testutil.ToFloat64(c.samplesIngested.WithLabelValues("w1")); got != 5 {
		t.Errorf("w1 samples = %v", got)
	}
	if got := testutil.ToFloat64(c.reportsLate); got != 1 {
		t.Errorf("late reports = %v", got)
	}
	tests := map[string]float64{
		"exported":                           5,
		string(metrics.DropPermanent):        4,
		string(metrics.DropRetriesExhausted): 1,
	}
	for outcome, want := range tests {
		if got := testutil.ToFloat64(c.batchSamples.WithLabelValues(outcome)); got != want {
			t.Errorf("%s samples = %v, want %v", outcome, got, want)
		}
		if got := testutil.ToFloat64(c.batches.WithLabelValues(outcome)); got != 1 {
			t.Errorf("%s batches = %v, want 1", outcome, got)
		}
	}
}

func TestCollectorStateGauge(t *testing.T) {
	c := New()
	if got := testutil.ToFloat64(c.state.WithLabelValues("idle")); got != 1 {
		t.Fatalf("idle gauge = %v", got)
	}
	c.StateChanged(pipeline.StateDraining)
	if got := testutil.ToFloat64(c.state.WithLabelValues("idle")); got != 0 {
		t.Fatalf("idle gauge after transition = %v", got)
	}
	if got := testutil.ToFloat64(c.state.WithLabelValues("draining")); got != 1 {
		t.Fatalf("draining gauge = %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New()
	c.ReportIngested("w1", 1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"crankexport_reports_ingested_total", "crankexport_pipeline_state"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}
