package export

import (
	"context"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/crankexport/internal/metrics"
)

// DefaultMaxBatchSize mirrors the per-call datum ceiling of the CloudWatch PutMetricData API.
const DefaultMaxBatchSize = 20

// Options configure a Batcher.
type Options struct {
	MaxBatchSize      int     // metrics per batch (0 means DefaultMaxBatchSize)
	MaxCallsPerSecond float64 // submission ceiling (0 means unlimited)
	Limiter           *Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.MaxCallsPerSecond < 0 {
		o.MaxCallsPerSecond = 0
	}
	if o.Limiter == nil {
		o.Limiter = NewLimiter(o.MaxCallsPerSecond)
	}
}

// Batcher splits closed windows into batches and gates their submission rate.
type Batcher struct {
	opt Options
}

func NewBatcher(opt Options) *Batcher {
	opt.normalize()
	return &Batcher{opt: opt}
}

// MaxBatchSize returns the configured batch ceiling.
func (b *Batcher) MaxBatchSize() int {
	return b.opt.MaxBatchSize
}

// Build partitions the window's metrics into batches of at most MaxBatchSize. Every
// metric appears in exactly one batch. Series are ordered by key so batches are stable
// across runs.
func (b *Batcher) Build(w *metrics.Window) []Batch {
	list := w.List()
	if len(list) == 0 {
		return nil
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key.String() < list[j].Key.String()
	})

	size := b.opt.MaxBatchSize
	batches := make([]Batch, 0, (len(list)+size-1)/size)
	for start := 0; start < len(list); start += size {
		end := start + size
		if end > len(list) {
			end = len(list)
		}
		batches = append(batches, Batch{
			ID:          ulid.Make(),
			Metrics:     list[start:end:end],
			WindowStart: w.Start,
			WindowEnd:   w.End,
		})
	}
	return batches
}

// Wait blocks until one more submission may cross to the backend.
func (b *Batcher) Wait(ctx context.Context) error {
	return b.opt.Limiter.Wait(ctx)
}

// Limiter exposes the token bucket shared by every submission of the run.
func (b *Batcher) Limiter() *Limiter {
	return b.opt.Limiter
}
