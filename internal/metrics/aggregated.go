package metrics

import (
	"math"
	"time"
)

// Statistic is the running summary of every value merged into one series.
type Statistic struct {
	Sum   float64
	Count int64
	Min   float64
	Max   float64
}

// Merge folds a single value into the statistic. Merging is commutative and associative.
func (s *Statistic) Merge(value float64) {
	if s.Count == 0 {
		s.Min = value
		s.Max = value
	} else {
		s.Min = math.Min(s.Min, value)
		s.Max = math.Max(s.Max, value)
	}
	s.Sum += value
	s.Count++
}

// Combine folds another statistic into s.
func (s *Statistic) Combine(other Statistic) {
	if other.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = other
		return
	}
	s.Min = math.Min(s.Min, other.Min)
	s.Max = math.Max(s.Max, other.Max)
	s.Sum += other.Sum
	s.Count += other.Count
}

// Mean returns Sum/Count, or 0 for an empty statistic.
func (s Statistic) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// AggregatedMetric is one series of a window. It is mutated only while its window is
// current and read-only afterwards.
type AggregatedMetric struct {
	Key         AggregationKey
	Unit        Unit
	Statistic   Statistic
	WindowStart time.Time
	WindowEnd   time.Time
}

// Dimensions returns a copy of the series' dimensions.
func (m *AggregatedMetric) Dimensions() map[string]string {
	return m.Key.Dimensions()
}
