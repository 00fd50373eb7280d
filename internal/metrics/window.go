package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDrained is returned once the current window has been force-drained for the run.
var ErrDrained = errors.New("window manager drained")

// Alignment selects how rotation boundaries are placed.
type Alignment string

const (
	// AlignmentRolling rotates every interval measured from the start of the current window.
	AlignmentRolling Alignment = "rolling"
	// AlignmentWallClock rotates on wall-clock multiples of the interval (e.g. every full minute).
	AlignmentWallClock Alignment = "wall_clock"
)

// Window holds the series merged during one interval.
type Window struct {
	Start   time.Time
	End     time.Time
	Metrics map[AggregationKey]*AggregatedMetric
}

func newWindow(start time.Time) *Window {
	return &Window{
		Start:   start,
		Metrics: make(map[AggregationKey]*AggregatedMetric),
	}
}

// Len returns the number of series in the window.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	return len(w.Metrics)
}

// SampleCount returns how many samples were merged into the window.
func (w *Window) SampleCount() int64 {
	if w == nil {
		return 0
	}
	var total int64
	for _, m := range w.Metrics {
		total += m.Statistic.Count
	}
	return total
}

// List returns the window's series in map iteration order.
func (w *Window) List() []*AggregatedMetric {
	if w == nil {
		return nil
	}
	out := make([]*AggregatedMetric, 0, len(w.Metrics))
	for _, m := range w.Metrics {
		out = append(out, m)
	}
	return out
}

// UnitConflictError reports a sample whose unit differs from the unit its series was created with.
type UnitConflictError struct {
	Key  AggregationKey
	Want Unit
	Got  Unit
}

func (e *UnitConflictError) Error() string {
	return fmt.Sprintf("%s: unit %s conflicts with series unit %s", e.Key, e.Got, e.Want)
}

func (e *UnitConflictError) Unwrap() error { return ErrInvalidSample }

// WindowOptions configure a WindowManager.
type WindowOptions struct {
	Interval  time.Duration
	Alignment Alignment
	Clock     func() time.Time // optional injection for tests
}

func (o *WindowOptions) normalize() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Alignment == "" {
		o.Alignment = AlignmentRolling
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// WindowManager owns the current window. A single mutex serializes merges into the
// current window against the swap performed by Rotate and ForceDrain.
type WindowManager struct {
	mu      sync.Mutex
	opts    WindowOptions
	current *Window
	drained bool
}

// NewWindowManager opens the first window at the current clock time.
func NewWindowManager(opts WindowOptions) *WindowManager {
	opts.normalize()
	return &WindowManager{
		opts:    opts,
		current: newWindow(opts.Clock()),
	}
}

// Interval returns the configured rotation interval.
func (m *WindowManager) Interval() time.Duration {
	return m.opts.Interval
}

// Merge adds pre-validated samples to the current window. Samples whose unit conflicts
// with an existing series are skipped and returned as errors; the rest are merged.
func (m *WindowManager) Merge(samples []Sample) (int, []error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drained {
		return 0, nil, ErrDrained
	}

	merged := 0
	var skipped []error
	for _, s := range samples {
		key := KeyOf(s)
		agg, ok := m.current.Metrics[key]
		if !ok {
			agg = &AggregatedMetric{
				Key:         key,
				Unit:        s.Unit,
				WindowStart: m.current.Start,
			}
			m.current.Metrics[key] = agg
		} else if agg.Unit != s.Unit {
			skipped = append(skipped, &UnitConflictError{Key: key, Want: agg.Unit, Got: s.Unit})
			continue
		}
		agg.Statistic.Merge(s.Value)
		merged++
	}
	return merged, skipped, nil
}

// Rotate closes the current window, opens a fresh one and returns the closed window.
func (m *WindowManager) Rotate() (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drained {
		return nil, ErrDrained
	}
	return m.swapLocked(), nil
}

// ForceDrain closes the current window regardless of the rotation schedule and refuses
// further rotations until Reset.
func (m *WindowManager) ForceDrain() (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drained {
		return nil, ErrDrained
	}
	closed := m.swapLocked()
	m.drained = true
	return closed, nil
}

// Reset re-arms the manager for a new run with an empty window.
func (m *WindowManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = newWindow(m.opts.Clock())
	m.drained = false
}

// Drained reports whether ForceDrain has been called since the last Reset.
func (m *WindowManager) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drained
}

// NextRotation returns how long to wait from now until the next rotation boundary.
func (m *WindowManager) NextRotation(now time.Time) time.Duration {
	m.mu.Lock()
	start := m.current.Start
	m.mu.Unlock()

	var boundary time.Time
	switch m.opts.Alignment {
	case AlignmentWallClock:
		boundary = now.Truncate(m.opts.Interval).Add(m.opts.Interval)
	default:
		boundary = start.Add(m.opts.Interval)
	}
	if delay := boundary.Sub(now); delay > 0 {
		return delay
	}
	return 0
}

func (m *WindowManager) swapLocked() *Window {
	now := m.opts.Clock()
	closed := m.current
	closed.End = now
	for _, agg := range closed.Metrics {
		agg.WindowEnd = now
	}
	m.current = newWindow(now)
	return closed
}
