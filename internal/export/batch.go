package export

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/crankexport/internal/metrics"
)

// Batch is a backend-sized group of closed-window metrics. Delivery accounts for a
// batch as a whole: it is exported or dropped, never partially.
type Batch struct {
	ID          ulid.ULID
	Metrics     []*metrics.AggregatedMetric
	WindowStart time.Time
	WindowEnd   time.Time
}

// Len returns the number of metrics in the batch.
func (b Batch) Len() int {
	return len(b.Metrics)
}

// SampleCount returns the number of samples summarized by the batch.
func (b Batch) SampleCount() int64 {
	var total int64
	for _, m := range b.Metrics {
		total += m.Statistic.Count
	}
	return total
}
