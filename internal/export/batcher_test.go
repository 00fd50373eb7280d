package export_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/metrics"
)

func windowWithKeys(t *testing.T, n int) *metrics.Window {
	t.Helper()
	wm := metrics.NewWindowManager(metrics.WindowOptions{Interval: time.Minute})
	samples := make([]metrics.Sample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, metrics.Sample{
			Name:       "latency",
			Value:      float64(i),
			Unit:       metrics.UnitMilliseconds,
			Dimensions: map[string]string{"endpoint": fmt.Sprintf("/e%02d", i)},
		})
	}
	if _, _, err := wm.Merge(samples); err != nil {
		t.Fatalf("merge: %v", err)
	}
	w, err := wm.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	return w
}

func TestBuildSplitsIntoBackendSizedBatches(t *testing.T) {
	b := export.NewBatcher(export.Options{MaxBatchSize: 20})
	w := windowWithKeys(t, 45)

	batches := b.Build(w)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	wantSizes := []int{20, 20, 5}
	for i, batch := range batches {
		if batch.Len() != wantSizes[i] {
			t.Errorf("batch %d size = %d, want %d", i, batch.Len(), wantSizes[i])
		}
	}
}

func TestBuildCoversEveryMetricExactlyOnce(t *testing.T) {
	tests := []struct {
		keys, size int
	}{
		{0, 20}, {1, 20}, {20, 20}, {21, 20}, {99, 7}, {45, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_keys_size_%d", tt.keys, tt.size), func(t *testing.T) {
			b := export.NewBatcher(export.Options{MaxBatchSize: tt.size})
			w := windowWithKeys(t, tt.keys)

			seen := map[metrics.AggregationKey]int{}
			ids := map[string]bool{}
			for _, batch := range b.Build(w) {
				if batch.Len() == 0 || batch.Len() > tt.size {
					t.Fatalf("batch size %d outside (0, %d]", batch.Len(), tt.size)
				}
				if ids[batch.ID.String()] {
					t.Fatalf("duplicate batch id %s", batch.ID)
				}
				ids[batch.ID.String()] = true
				for _, m := range batch.Metrics {
					seen[m.Key]++
				}
				if !batch.WindowEnd.Equal(w.End) {
					t.Fatalf("batch window end %s, want %s", batch.WindowEnd, w.End)
				}
			}
			if len(seen) != tt.keys {
				t.Fatalf("covered %d keys, want %d", len(seen), tt.keys)
			}
			for key, n := range seen {
				if n != 1 {
					t.Fatalf("key %s appears %d times", key, n)
				}
			}
		})
	}
}

func TestBuildDefaultsBatchSize(t *testing.T) {
	b := export.NewBatcher(export.Options{})
	if b.MaxBatchSize() != export.DefaultMaxBatchSize {
		t.Fatalf("MaxBatchSize = %d, want %d", b.MaxBatchSize(), export.DefaultMaxBatchSize)
	}
}

func TestWaitNeverExceedsCallsPerSecond(t *testing.T) {
	const rps = 20
	const calls = 45
	b := export.NewBatcher(export.Options{MaxCallsPerSecond: rps})

	var mu sync.Mutex
	stamps := make([]time.Time, 0, calls)
	var wg sync.WaitGroup
	wg.Add(4)
	for g := 0; g < 4; g++ {
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if len(stamps) >= calls {
					mu.Unlock()
					return
				}
				mu.Unlock()
				if err := b.Wait(context.Background()); err != nil {
					t.Errorf("wait: %v", err)
					return
				}
				mu.Lock()
				stamps = append(stamps, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	// Any rps+1 consecutive submissions must span at least one second.
	const slack = 20 * time.Millisecond
	for i := 0; i+rps < len(stamps); i++ {
		if span := stamps[i+rps].Sub(stamps[i]); span < time.Second-slack {
			t.Fatalf("%d submissions within %s", rps+1, span)
		}
	}
}

func TestWaitUnlimitedAndCancelled(t *testing.T) {
	unlimited := export.NewBatcher(export.Options{})
	for i := 0; i < 1000; i++ {
		if err := unlimited.Wait(context.Background()); err != nil {
			t.Fatalf("unlimited wait: %v", err)
		}
	}
	if unlimited.Limiter().Rate() != 0 {
		t.Fatalf("expected unlimited rate")
	}

	limited := export.NewBatcher(export.Options{MaxCallsPerSecond: 0.001})
	_ = limited.Wait(context.Background()) // consume the single burst token
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limited.Wait(ctx); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}
