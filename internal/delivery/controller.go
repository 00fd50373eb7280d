package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/metrics"
	"github.com/torosent/crankexport/internal/tracing"
)

const (
	DefaultMaxRetries     = 3
	DefaultMaxPending     = 1000
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultSubmitTimeout  = 10 * time.Second
)

// Options configure a Controller.
type Options struct {
	Backend        Backend
	Pacer          Pacer // optional; nil submits as fast as the backend answers
	Health         *metrics.Health
	Logger         zerolog.Logger
	Tracer         trace.Tracer
	MaxRetries     int // transient retries per batch; zero disables retries
	MaxPending     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	SubmitTimeout  time.Duration
	// OnResult observes every final outcome. It runs on the goroutine that settled the
	// batch and must not block.
	OnResult func(Result)
}

func (o *Options) normalize() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffInitial {
			o.BackoffMax = o.BackoffInitial
		}
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = DefaultSubmitTimeout
	}
	if o.Health == nil {
		o.Health = metrics.NewHealth()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("crankexport")
	}
}

// Result is the final outcome of one batch. Reason is empty when the batch was delivered.
type Result struct {
	Batch   export.Batch
	Reason  metrics.DropReason
	Retries int
	Err     error
}

// Delivered reports whether the backend accepted the batch.
func (r Result) Delivered() bool { return r.Reason == "" }

// Stats is a snapshot of the controller's queue and batch outcomes.
type Stats struct {
	Pending   int   `json:"pending" yaml:"pending"`
	InFlight  int   `json:"in_flight" yaml:"in_flight"`
	Delivered int64 `json:"batches_delivered" yaml:"batches_delivered"`
	Dropped   int64 `json:"batches_dropped" yaml:"batches_dropped"`
	Retries   int64 `json:"batch_retries" yaml:"batch_retries"`
}

// Controller delivers batches through a Backend from a bounded pending queue.
type Controller struct {
	opt Options
	log zerolog.Logger

	mu        sync.Mutex
	queue     *pendingQueue
	inflight  int
	closed    bool
	changed   chan struct{}
	delivered int64
	dropped   int64
	retries   int64

	wake      chan struct{}
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewController(opt Options) (*Controller, error) {
	if opt.Backend == nil {
		return nil, errors.New("delivery: backend is required")
	}
	opt.normalize()
	return &Controller{
		opt:     opt,
		log:     opt.Logger.With().Str("component", "delivery").Str("backend", opt.Backend.Name()).Logger(),
		queue:   newPendingQueue(opt.MaxPending),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the delivery goroutine. Batches enqueued before Start wait in the queue.
// Cancelling ctx has the same effect as Close for in-flight work.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run()
	})
}

// Enqueue hands batches to the controller. Priority batches go ahead of every regular
// batch still waiting. When the queue is full the oldest regular batch is evicted and
// counted as an overflow drop.
func (c *Controller) Enqueue(batches []export.Batch, priority bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		for _, b := range batches {
			c.finish(&pending{batch: b}, metrics.DropAbandoned, ErrClosed)
		}
		return ErrClosed
	}
	var evicted []*pending
	for _, b := range batches {
		if b.Len() == 0 {
			continue
		}
		if e := c.queue.push(&pending{batch: b, priority: priority}); e != nil {
			evicted = append(evicted, e)
		}
	}
	c.notifyLocked()
	c.mu.Unlock()

	c.signal()
	for _, e := range evicted {
		c.log.Warn().
			Str("batch_id", e.batch.ID.String()).
			Int("metrics", e.batch.Len()).
			Int("max_pending", c.opt.MaxPending).
			Msg("pending queue full, evicting oldest batch")
		c.finish(e, metrics.DropOverflow, nil)
	}
	return nil
}

// Flush blocks until the queue is empty and nothing is in flight, or ctx is done.
func (c *Controller) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		idle := c.queue.Len() == 0 && c.inflight == 0
		changed := c.changed
		c.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops delivery. Batches still queued or in flight are counted as abandoned.
// Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	left := c.queue.drain()
	c.notifyLocked()
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if len(left) > 0 {
		c.log.Warn().Int("batches", len(left)).Msg("abandoning pending batches")
	}
	for _, p := range left {
		c.finish(p, metrics.DropAbandoned, ErrClosed)
	}
}

// Stats returns the current queue depth and batch outcome counts.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:   c.queue.Len(),
		InFlight:  c.inflight,
		Delivered: c.delivered,
		Dropped:   c.dropped,
		Retries:   c.retries,
	}
}

func (c *Controller) run() {
	defer close(c.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		p, next := c.queue.popReady(time.Now())
		if p != nil {
			c.inflight++
		}
		c.mu.Unlock()

		if p != nil {
			c.deliver(p)
			continue
		}

		var retryC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			retryC = timer.C
		}
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		case <-retryC:
		}
		timer.Stop()
	}
}

func (c *Controller) deliver(p *pending) {
	if err := c.pace(); err != nil {
		c.settle(p, metrics.DropAbandoned, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opt.SubmitTimeout)
	ctx, span := tracing.StartSubmitSpan(ctx, c.opt.Tracer, c.opt.Backend.Name(), p.batch.ID.String(), p.batch.Len(), p.retries+1)
	start := time.Now()
	err := c.opt.Backend.Submit(ctx, p.batch)
	latency := time.Since(start)
	tracing.EndSpan(span, err, attribute.Int64("crankexport.batch.samples", p.batch.SampleCount()))
	cancel()

	c.opt.Health.RecordSubmission(latency, err)

	switch {
	case err == nil:
		c.settle(p, "", nil)
	case c.ctx.Err() != nil:
		c.settle(p, metrics.DropAbandoned, err)
	case IsPermanent(err):
		c.settle(p, metrics.DropPermanent, err)
	case p.retries < c.opt.MaxRetries:
		c.retry(p, err)
	default:
		c.settle(p, metrics.DropRetriesExhausted, err)
	}
}

func (c *Controller) pace() error {
	if c.opt.Pacer == nil {
		return c.ctx.Err()
	}
	return c.opt.Pacer.Wait(c.ctx)
}

func (c *Controller) retry(p *pending, cause error) {
	if p.backoff == nil {
		p.backoff = c.newBackoff()
	}
	delay := p.backoff.NextBackOff()
	p.retries++
	p.priority = false
	p.notBefore = time.Now().Add(delay)

	c.mu.Lock()
	c.inflight--
	if c.closed {
		c.notifyLocked()
		c.mu.Unlock()
		c.finish(p, metrics.DropAbandoned, cause)
		return
	}
	evicted := c.queue.push(p)
	c.retries++
	c.notifyLocked()
	c.mu.Unlock()

	c.opt.Health.RecordRetry()
	c.log.Debug().
		Err(cause).
		Str("batch_id", p.batch.ID.String()).
		Int("retry", p.retries).
		Dur("backoff", delay).
		Msg("transient backend failure, retrying batch")
	if evicted != nil {
		c.log.Warn().
			Str("batch_id", evicted.batch.ID.String()).
			Int("metrics", evicted.batch.Len()).
			Msg("pending queue full, evicting oldest batch")
		c.finish(evicted, metrics.DropOverflow, nil)
	}
}

// settle releases an in-flight batch with its final outcome.
func (c *Controller) settle(p *pending, reason metrics.DropReason, err error) {
	c.finish(p, reason, err)
	c.mu.Lock()
	c.inflight--
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Controller) finish(p *pending, reason metrics.DropReason, err error) {
	b := p.batch
	if reason == "" {
		c.opt.Health.RecordExported(b.Len(), b.SampleCount())
	} else {
		c.opt.Health.RecordDropped(reason, b.Len(), b.SampleCount())
	}

	c.mu.Lock()
	if reason == "" {
		c.delivered++
	} else {
		c.dropped++
	}
	c.mu.Unlock()

	switch reason {
	case metrics.DropPermanent:
		c.log.Error().
			Err(err).
			Str("batch_id", b.ID.String()).
			Int("metrics", b.Len()).
			Int64("samples", b.SampleCount()).
			Array("contents", batchContents(b.Metrics)).
			Msg("backend rejected batch, dropping")
	case metrics.DropRetriesExhausted:
		c.log.Warn().
			Err(err).
			Str("batch_id", b.ID.String()).
			Int("retries", p.retries).
			Int("metrics", b.Len()).
			Msg("retries exhausted, dropping batch")
	}

	if c.opt.OnResult != nil {
		c.opt.OnResult(Result{Batch: b, Reason: reason, Retries: p.retries, Err: err})
	}
}

func (c *Controller) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opt.BackoffInitial
	b.MaxInterval = c.opt.BackoffMax
	b.Reset()
	return b
}

func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

type batchContents []*metrics.AggregatedMetric

func (bc batchContents) MarshalZerologArray(a *zerolog.Array) {
	for _, m := range bc {
		a.Dict(zerolog.Dict().
			Str("key", m.Key.String()).
			Str("unit", string(m.Unit)).
			Int64("count", m.Statistic.Count).
			Float64("sum", m.Statistic.Sum).
			Float64("min", m.Statistic.Min).
			Float64("max", m.Statistic.Max))
	}
}
