package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/crankexport/internal/pipeline"
)

// ProgressReporter displays a live export status line.
type ProgressReporter struct {
	stats    func() pipeline.Stats
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
}

// NewProgressReporter creates a progress reporter that polls stats at the given interval.
func NewProgressReporter(stats func() pipeline.Stats, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		stats:    stats,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and ends the status line.
func (p *ProgressReporter) Stop() {
	p.ticker.Stop()
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, progressLine(p.stats()))
		case <-p.done:
			return
		}
	}
}

func progressLine(stats pipeline.Stats) string {
	h := stats.Health
	line := fmt.Sprintf("\r[%s] Ingested: %d | Exported: %d | Dropped: %d | Pending: %d",
		stats.State, h.SamplesIngested, h.SamplesExported, h.TotalSamplesDropped(), stats.Delivery.Pending)
	if h.Retries > 0 {
		line += fmt.Sprintf(" | Retries: %d", h.Retries)
	}
	if h.Submissions > 0 {
		line += fmt.Sprintf(" | P99 submit %.1fms", h.P99LatencyMs)
	}
	return line
}
