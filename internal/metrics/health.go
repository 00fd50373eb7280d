package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// DropReason classifies why exported metrics never reached the backend.
type DropReason string

const (
	DropPermanent        DropReason = "permanent"
	DropRetriesExhausted DropReason = "retries_exhausted"
	DropOverflow         DropReason = "overflow"
	DropAbandoned        DropReason = "abandoned"
)

// Health records the export health of one run in a thread-safe manner.
type Health struct {
	mu              sync.Mutex
	hist            *hdrhistogram.Histogram
	samplesIngested int64
	samplesInvalid  int64
	reportsLate     int64
	samplesLate     int64
	submissions     int64
	retries         int64
	failures        int64
	metricsExported int64
	samplesExported int64
	metricsDropped  map[DropReason]int64
	samplesDropped  map[DropReason]int64
	errorsByLabel   map[string]int64
	minLatency      time.Duration
	maxLatency      time.Duration
	sumLatency      time.Duration
	start           time.Time
}

// HealthStats is a point-in-time snapshot of Health.
type HealthStats struct {
	SamplesIngested int64 `json:"samples_ingested" yaml:"samples_ingested"`
	SamplesInvalid  int64 `json:"samples_invalid" yaml:"samples_invalid"`
	ReportsLate     int64 `json:"reports_late" yaml:"reports_late"`
	SamplesLate     int64 `json:"samples_late" yaml:"samples_late"`
	Submissions     int64 `json:"submissions" yaml:"submissions"`
	Retries         int64 `json:"retries" yaml:"retries"`
	Failures        int64 `json:"failures" yaml:"failures"`
	MetricsExported int64 `json:"metrics_exported" yaml:"metrics_exported"`
	SamplesExported int64 `json:"samples_exported" yaml:"samples_exported"`

	MetricsDropped map[DropReason]int64 `json:"metrics_dropped,omitempty" yaml:"metrics_dropped,omitempty"`
	SamplesDropped map[DropReason]int64 `json:"samples_dropped,omitempty" yaml:"samples_dropped,omitempty"`
	Errors         map[string]int       `json:"errors,omitempty" yaml:"errors,omitempty"`

	MinLatency  time.Duration `json:"-" yaml:"-"`
	MaxLatency  time.Duration `json:"-" yaml:"-"`
	MeanLatency time.Duration `json:"-" yaml:"-"`
	P50Latency  time.Duration `json:"-" yaml:"-"`
	P90Latency  time.Duration `json:"-" yaml:"-"`
	P99Latency  time.Duration `json:"-" yaml:"-"`
	Duration    time.Duration `json:"-" yaml:"-"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_submit_latency_ms" yaml:"min_submit_latency_ms"`
	MaxLatencyMs  float64 `json:"max_submit_latency_ms" yaml:"max_submit_latency_ms"`
	MeanLatencyMs float64 `json:"mean_submit_latency_ms" yaml:"mean_submit_latency_ms"`
	P50LatencyMs  float64 `json:"p50_submit_latency_ms" yaml:"p50_submit_latency_ms"`
	P90LatencyMs  float64 `json:"p90_submit_latency_ms" yaml:"p90_submit_latency_ms"`
	P99LatencyMs  float64 `json:"p99_submit_latency_ms" yaml:"p99_submit_latency_ms"`
	DurationMs    float64 `json:"duration_ms" yaml:"duration_ms"`
}

// TotalMetricsDropped sums dropped metrics across all reasons.
func (s HealthStats) TotalMetricsDropped() int64 {
	var total int64
	for _, n := range s.MetricsDropped {
		total += n
	}
	return total
}

// TotalSamplesDropped sums dropped samples across all reasons.
func (s HealthStats) TotalSamplesDropped() int64 {
	var total int64
	for _, n := range s.SamplesDropped {
		total += n
	}
	return total
}

func NewHealth() *Health {
	// Track submit latencies from 1µs up to 5m with 3 significant figures.
	h := hdrhistogram.New(1, 300_000_000, 3)
	return &Health{
		hist:           h,
		metricsDropped: make(map[DropReason]int64),
		samplesDropped: make(map[DropReason]int64),
		errorsByLabel:  make(map[string]int64),
		start:          time.Now(),
	}
}

// Start marks the beginning of the run.
func (h *Health) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start = time.Now()
}

// RecordIngest counts merged and rejected samples from one report.
func (h *Health) RecordIngest(merged, invalid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samplesIngested += int64(merged)
	h.samplesInvalid += int64(invalid)
}

// RecordLateReport counts a report that arrived after the run stopped accepting data.
func (h *Health) RecordLateReport(samples int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reportsLate++
	h.samplesLate += int64(samples)
}

// RecordSubmission records one backend call. A non-nil err counts as a failed call.
func (h *Health) RecordSubmission(latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.submissions++
	if latency > 0 {
		us := latency.Microseconds()
		if us < h.hist.LowestTrackableValue() {
			us = h.hist.LowestTrackableValue()
		}
		if us > h.hist.HighestTrackableValue() {
			us = h.hist.HighestTrackableValue()
		}
		_ = h.hist.RecordValue(us)
	}
	h.sumLatency += latency
	if h.minLatency == 0 || latency < h.minLatency {
		h.minLatency = latency
	}
	if latency > h.maxLatency {
		h.maxLatency = latency
	}

	if err != nil {
		h.failures++
		h.errorsByLabel[SubmitErrorLabel(err)]++
	}
}

// RecordRetry counts a batch scheduled for another attempt.
func (h *Health) RecordRetry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
}

// RecordExported counts metrics (and the samples they summarize) accepted by the backend.
func (h *Health) RecordExported(metrics int, samples int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metricsExported += int64(metrics)
	h.samplesExported += samples
}

// RecordDropped counts metrics (and the samples they summarize) that will never be exported.
func (h *Health) RecordDropped(reason DropReason, metrics int, samples int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metricsDropped[reason] += int64(metrics)
	h.samplesDropped[reason] += samples
}

// Stats computes the current snapshot.
func (h *Health) Stats() HealthStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := HealthStats{
		SamplesIngested: h.samplesIngested,
		SamplesInvalid:  h.samplesInvalid,
		ReportsLate:     h.reportsLate,
		SamplesLate:     h.samplesLate,
		Submissions:     h.submissions,
		Retries:         h.retries,
		Failures:        h.failures,
		MetricsExported: h.metricsExported,
		SamplesExported: h.samplesExported,
		MinLatency:      h.minLatency,
		MaxLatency:      h.maxLatency,
		Duration:        time.Since(h.start),
	}

	if h.submissions > 0 {
		stats.MeanLatency = time.Duration(int64(h.sumLatency) / h.submissions)
	}
	if h.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(h.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(h.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P99Latency = time.Duration(h.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P90LatencyMs = float64(stats.P90Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)
	stats.DurationMs = float64(stats.Duration) / float64(time.Millisecond)

	if len(h.metricsDropped) > 0 {
		stats.MetricsDropped = make(map[DropReason]int64, len(h.metricsDropped))
		stats.SamplesDropped = make(map[DropReason]int64, len(h.samplesDropped))
		for k, v := range h.metricsDropped {
			stats.MetricsDropped[k] = v
		}
		for k, v := range h.samplesDropped {
			stats.SamplesDropped[k] = v
		}
	}
	if len(h.errorsByLabel) > 0 {
		stats.Errors = make(map[string]int, len(h.errorsByLabel))
		for k, v := range h.errorsByLabel {
			stats.Errors[k] = int(v)
		}
	}
	return stats
}
