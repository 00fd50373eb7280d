package metrics_test

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/crankexport/internal/metrics"
)

func newTestAggregator() (*metrics.Aggregator, *metrics.WindowManager, *metrics.Health) {
	windows := metrics.NewWindowManager(metrics.WindowOptions{Interval: time.Minute})
	health := metrics.NewHealth()
	return metrics.NewAggregator(windows, health, zerolog.Nop()), windows, health
}

func latencySample(client string, v float64) metrics.Sample {
	return metrics.NewSample(client, "latency", v, metrics.UnitMilliseconds, time.Now(), map[string]string{"endpoint": "/hello"})
}

func TestIngestLatencyScenario(t *testing.T) {
	agg, windows, _ := newTestAggregator()

	samples := make([]metrics.Sample, 0, 25)
	for i := 1; i <= 25; i++ {
		samples = append(samples, latencySample("w1", float64(i)))
	}
	agg.Ingest(metrics.RawReport{ClientID: "w1", ReceivedAt: time.Now(), Samples: samples})

	closed, err := windows.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if closed.Len() != 1 {
		t.Fatalf("expected 1 series, got %d", closed.Len())
	}
	m := closed.List()[0]
	if m.Statistic.Count != 25 || m.Statistic.Sum != 325 || m.Statistic.Min != 1 || m.Statistic.Max != 25 {
		t.Fatalf("unexpected statistic %+v", m.Statistic)
	}
	if m.Key.Name != "latency" {
		t.Fatalf("unexpected key %s", m.Key)
	}
	if m.WindowEnd.IsZero() || m.WindowStart.After(m.WindowEnd) {
		t.Fatalf("window bounds not set: %s..%s", m.WindowStart, m.WindowEnd)
	}
}

func TestIngestSkipsMalformedSamples(t *testing.T) {
	agg, windows, health := newTestAggregator()

	report := metrics.RawReport{
		ClientID: "w1",
		Samples: []metrics.Sample{
			latencySample("w1", 10),
			{Name: "", Value: 3, Unit: metrics.UnitCount},
			{Name: "latency", Value: math.NaN(), Unit: metrics.UnitMilliseconds},
			latencySample("w1", 30),
			metrics.NewSample("w1", "latency", 5, metrics.UnitBytes, time.Now(), map[string]string{"endpoint": "/hello"}),
		},
	}
	agg.Ingest(report)

	closed, _ := windows.Rotate()
	if closed.SampleCount() != 2 {
		t.Fatalf("expected 2 merged samples, got %d", closed.SampleCount())
	}
	m := closed.List()[0]
	if m.Statistic.Sum != 40 || m.Statistic.Min != 10 || m.Statistic.Max != 30 {
		t.Fatalf("malformed samples corrupted statistic: %+v", m.Statistic)
	}

	stats := health.Stats()
	if stats.SamplesIngested != 2 || stats.SamplesInvalid != 3 {
		t.Fatalf("ingested=%d invalid=%d", stats.SamplesIngested, stats.SamplesInvalid)
	}
}

func TestIngestOrderIndependent(t *testing.T) {
	values := make([]float64, 200)
	for i := range values {
		values[i] = float64((i*37)%101) - 50
	}

	sequential := metrics.Statistic{}
	for _, v := range values {
		sequential.Merge(v)
	}

	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 5; round++ {
		shuffled := append([]float64(nil), values...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		agg, windows, _ := newTestAggregator()
		var wg sync.WaitGroup
		workers := 8
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func(w int) {
				defer wg.Done()
				for i := w; i < len(shuffled); i += workers {
					agg.Ingest(metrics.RawReport{
						ClientID: "shared",
						Samples:  []metrics.Sample{latencySample("shared", shuffled[i])},
					})
				}
			}(w)
		}
		wg.Wait()

		closed, _ := windows.Rotate()
		got := closed.List()[0].Statistic
		if got.Count != sequential.Count || got.Min != sequential.Min || got.Max != sequential.Max {
			t.Fatalf("round %d: got %+v want %+v", round, got, sequential)
		}
		if math.Abs(got.Sum-sequential.Sum) > 1e-9 {
			t.Fatalf("round %d: sum %f want %f", round, got.Sum, sequential.Sum)
		}
	}
}

func TestIngestDimensionOrderSharesSeries(t *testing.T) {
	agg, windows, _ := newTestAggregator()

	a := metrics.Sample{Name: "rps", Value: 1, Unit: metrics.UnitCount, Dimensions: map[string]string{"a": "1", "b": "2"}}
	b := metrics.Sample{Name: "rps", Value: 2, Unit: metrics.UnitCount, Dimensions: map[string]string{"b": "2", "a": "1"}}
	c := metrics.Sample{Name: "rps", Value: 3, Unit: metrics.UnitCount, Dimensions: map[string]string{"a": "1"}}
	agg.Ingest(metrics.RawReport{Samples: []metrics.Sample{a, b, c}})

	closed, _ := windows.Rotate()
	if closed.Len() != 2 {
		t.Fatalf("expected 2 series, got %d", closed.Len())
	}
	if got := closed.Metrics[metrics.NewKey("rps", map[string]string{"a": "1", "b": "2"})]; got == nil || got.Statistic.Count != 2 {
		t.Fatalf("expected shared series with count 2, got %+v", got)
	}
}

func TestIngestAfterDrainCountsLate(t *testing.T) {
	agg, windows, health := newTestAggregator()

	if _, err := windows.ForceDrain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	agg.Ingest(metrics.RawReport{ClientID: "w1", Samples: []metrics.Sample{latencySample("w1", 1), latencySample("w1", 2)}})

	stats := health.Stats()
	if stats.ReportsLate != 1 || stats.SamplesLate != 2 {
		t.Fatalf("late reports=%d samples=%d", stats.ReportsLate, stats.SamplesLate)
	}
	if stats.SamplesIngested != 0 {
		t.Fatalf("expected nothing ingested, got %d", stats.SamplesIngested)
	}
}

func TestConcurrentIngestAndRotateLosesNothing(t *testing.T) {
	agg, windows, _ := newTestAggregator()

	const workers = 6
	const perWorker = 500

	var total int64
	var mu sync.Mutex
	collect := func(w *metrics.Window) {
		mu.Lock()
		total += w.SampleCount()
		mu.Unlock()
	}

	done := make(chan struct{})
	rotated := make(chan struct{})
	go func() {
		defer close(rotated)
		for {
			select {
			case <-done:
				return
			default:
			}
			w, err := windows.Rotate()
			if err != nil {
				t.Errorf("rotate: %v", err)
				return
			}
			collect(w)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.Ingest(metrics.RawReport{Samples: []metrics.Sample{latencySample("w", float64(i))}})
			}
		}()
	}
	wg.Wait()
	close(done)
	<-rotated

	last, err := windows.ForceDrain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	collect(last)

	if total != workers*perWorker {
		t.Fatalf("expected %d samples across windows, got %d", workers*perWorker, total)
	}
}
