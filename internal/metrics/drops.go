package metrics

import "sort"

// DropBucket is one row of the drop breakdown printed at stop.
type DropBucket struct {
	Reason  DropReason
	Metrics int64
	Samples int64
}

// FlattenDrops converts the per-reason drop maps into rows sorted by descending metric
// count, then by reason for stability.
func FlattenDrops(metrics, samples map[DropReason]int64) []DropBucket {
	if len(metrics) == 0 {
		return nil
	}
	rows := make([]DropBucket, 0, len(metrics))
	for reason, n := range metrics {
		rows = append(rows, DropBucket{Reason: reason, Metrics: n, Samples: samples[reason]})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Metrics == rows[j].Metrics {
			return rows[i].Reason < rows[j].Reason
		}
		return rows[i].Metrics > rows[j].Metrics
	})
	return rows
}
