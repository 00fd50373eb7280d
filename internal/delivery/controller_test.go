package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/metrics"
)

// scriptedBackend answers each submission with the next scripted error, then nil.
type scriptedBackend struct {
	mu      sync.Mutex
	script  []error
	always  error
	block   bool
	calls   int
	batches []ulid.ULID
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Submit(ctx context.Context, batch export.Batch) error {
	b.mu.Lock()
	b.calls++
	b.batches = append(b.batches, batch.ID)
	block := b.block
	var err error
	switch {
	case len(b.script) > 0:
		err = b.script[0]
		b.script = b.script[1:]
	case b.always != nil:
		err = b.always
	}
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) Order() []ulid.ULID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ulid.ULID(nil), b.batches...)
}

func makeBatch(metricsPerBatch int, samplesPerMetric int64) export.Batch {
	list := make([]*metrics.AggregatedMetric, 0, metricsPerBatch)
	for i := 0; i < metricsPerBatch; i++ {
		list = append(list, &metrics.AggregatedMetric{
			Key:       metrics.NewKey("latency", map[string]string{"endpoint": fmt.Sprintf("/%d", i)}),
			Unit:      metrics.UnitMilliseconds,
			Statistic: metrics.Statistic{Sum: float64(samplesPerMetric), Count: samplesPerMetric, Min: 1, Max: 1},
		})
	}
	return export.Batch{ID: ulid.Make(), Metrics: list}
}

type resultLog struct {
	mu      sync.Mutex
	results []delivery.Result
}

func (r *resultLog) record(res delivery.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) all() []delivery.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery.Result(nil), r.results...)
}

func newController(t *testing.T, backend delivery.Backend, mutate func(*delivery.Options)) (*delivery.Controller, *metrics.Health, *resultLog) {
	t.Helper()
	health := metrics.NewHealth()
	results := &resultLog{}
	opts := delivery.Options{
		Backend:        backend,
		Health:         health,
		Logger:         zerolog.Nop(),
		MaxRetries:     3,
		MaxPending:     10,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		SubmitTimeout:  time.Second,
		OnResult:       results.record,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := delivery.NewController(opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c, health, results
}

func flush(t *testing.T, c *delivery.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestThrottledTwiceThenDelivered(t *testing.T) {
	backend := &scriptedBackend{script: []error{
		delivery.Throttled(errors.New("rate exceeded")),
		delivery.Throttled(errors.New("rate exceeded")),
	}}
	c, health, results := newController(t, backend, nil)
	c.Start(context.Background())

	if err := c.Enqueue([]export.Batch{makeBatch(3, 2)}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	flush(t, c)

	if backend.Calls() != 3 {
		t.Fatalf("expected 3 submissions, got %d", backend.Calls())
	}
	got := results.all()
	if len(got) != 1 || !got[0].Delivered() {
		t.Fatalf("expected one delivered result, got %+v", got)
	}
	if got[0].Retries != 2 {
		t.Fatalf("expected 2 retries, got %d", got[0].Retries)
	}

	stats := health.Stats()
	if stats.Retries != 2 || stats.Failures != 2 {
		t.Fatalf("retries=%d failures=%d", stats.Retries, stats.Failures)
	}
	if stats.MetricsExported != 3 || stats.SamplesExported != 6 {
		t.Fatalf("exported metrics=%d samples=%d", stats.MetricsExported, stats.SamplesExported)
	}
	if stats.TotalMetricsDropped() != 0 {
		t.Fatalf("unexpected drops %v", stats.MetricsDropped)
	}
}

func TestPermanentFailureDropsWithoutRetry(t *testing.T) {
	backend := &scriptedBackend{always: delivery.Permanent(errors.New("InvalidParameterValue"))}
	c, health, results := newController(t, backend, nil)
	c.Start(context.Background())

	c.Enqueue([]export.Batch{makeBatch(4, 5)}, false)
	flush(t, c)

	if backend.Calls() != 1 {
		t.Fatalf("permanent failures must not be retried, got %d calls", backend.Calls())
	}
	got := results.all()
	if len(got) != 1 || got[0].Reason != metrics.DropPermanent {
		t.Fatalf("unexpected results %+v", got)
	}
	if !errors.Is(got[0].Err, delivery.ErrPermanent) {
		t.Fatalf("result error should be permanent: %v", got[0].Err)
	}
	stats := health.Stats()
	if stats.MetricsDropped[metrics.DropPermanent] != 4 || stats.SamplesDropped[metrics.DropPermanent] != 20 {
		t.Fatalf("permanent drops metrics=%d samples=%d",
			stats.MetricsDropped[metrics.DropPermanent], stats.SamplesDropped[metrics.DropPermanent])
	}
}

func TestRetriesExhausted(t *testing.T) {
	backend := &scriptedBackend{always: errors.New("connection reset")}
	c, health, results := newController(t, backend, func(o *delivery.Options) { o.MaxRetries = 2 })
	c.Start(context.Background())

	c.Enqueue([]export.Batch{makeBatch(2, 1)}, false)
	flush(t, c)

	if backend.Calls() != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d calls", backend.Calls())
	}
	got := results.all()
	if len(got) != 1 || got[0].Reason != metrics.DropRetriesExhausted || got[0].Retries != 2 {
		t.Fatalf("unexpected results %+v", got)
	}
	if health.Stats().MetricsDropped[metrics.DropRetriesExhausted] != 2 {
		t.Fatalf("retries_exhausted drops not counted")
	}
}

func TestOverflowEvictsOldestRegularBatch(t *testing.T) {
	backend := &scriptedBackend{}
	c, health, results := newController(t, backend, func(o *delivery.Options) { o.MaxPending = 2 })

	first, second, third := makeBatch(1, 1), makeBatch(2, 1), makeBatch(3, 1)
	c.Enqueue([]export.Batch{first, second}, false)
	c.Enqueue([]export.Batch{third}, false)

	got := results.all()
	if len(got) != 1 || got[0].Reason != metrics.DropOverflow || got[0].Batch.ID != first.ID {
		t.Fatalf("expected the oldest batch to be evicted, got %+v", got)
	}
	if c.Stats().Pending != 2 {
		t.Fatalf("pending = %d, want 2", c.Stats().Pending)
	}

	c.Start(context.Background())
	flush(t, c)

	order := backend.Order()
	if len(order) != 2 || order[0] != second.ID || order[1] != third.ID {
		t.Fatalf("unexpected delivery order %v", order)
	}
	stats := health.Stats()
	if stats.MetricsDropped[metrics.DropOverflow] != 1 || stats.MetricsExported != 5 {
		t.Fatalf("overflow=%d exported=%d", stats.MetricsDropped[metrics.DropOverflow], stats.MetricsExported)
	}
}

func TestPriorityBatchesGoFirst(t *testing.T) {
	backend := &scriptedBackend{}
	c, _, _ := newController(t, backend, nil)

	periodic := []export.Batch{makeBatch(1, 1), makeBatch(1, 1)}
	drain := []export.Batch{makeBatch(1, 1), makeBatch(1, 1)}
	c.Enqueue(periodic, false)
	c.Enqueue(drain, true)

	c.Start(context.Background())
	flush(t, c)

	want := []ulid.ULID{drain[0].ID, drain[1].ID, periodic[0].ID, periodic[1].ID}
	got := backend.Order()
	if len(got) != len(want) {
		t.Fatalf("delivered %d batches, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFlushTimeoutThenCloseAbandons(t *testing.T) {
	backend := &scriptedBackend{block: true}
	c, health, _ := newController(t, backend, func(o *delivery.Options) { o.SubmitTimeout = time.Minute })
	c.Start(context.Background())

	c.Enqueue([]export.Batch{makeBatch(2, 3), makeBatch(5, 1)}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected flush deadline, got %v", err)
	}

	c.Close()

	stats := health.Stats()
	if stats.MetricsDropped[metrics.DropAbandoned] != 7 || stats.SamplesDropped[metrics.DropAbandoned] != 11 {
		t.Fatalf("abandoned metrics=%d samples=%d",
			stats.MetricsDropped[metrics.DropAbandoned], stats.SamplesDropped[metrics.DropAbandoned])
	}
	cs := c.Stats()
	if cs.Pending != 0 || cs.InFlight != 0 || cs.Dropped != 2 {
		t.Fatalf("unexpected controller stats %+v", cs)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	c, health, _ := newController(t, &scriptedBackend{}, nil)
	c.Start(context.Background())
	c.Close()
	c.Close()

	if err := c.Enqueue([]export.Batch{makeBatch(3, 1)}, true); !errors.Is(err, delivery.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if health.Stats().MetricsDropped[metrics.DropAbandoned] != 3 {
		t.Fatalf("late batch must be counted as abandoned")
	}
}

func TestNewControllerRequiresBackend(t *testing.T) {
	if _, err := delivery.NewController(delivery.Options{}); err == nil {
		t.Fatalf("expected error without backend")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permanent", delivery.Permanent(errors.New("bad")), true},
		{"wrapped permanent", fmt.Errorf("submit: %w", delivery.Permanent(errors.New("bad"))), true},
		{"throttled", delivery.Throttled(errors.New("slow")), false},
		{"deadline", context.DeadlineExceeded, false},
		{"unclassified", errors.New("eof"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := delivery.IsPermanent(tt.err); got != tt.want {
				t.Fatalf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
