package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/metrics"
)

// Pipeline is the set of components owned by one master run: the window manager and
// aggregator that ingest reports, and the batcher and delivery controller that export
// closed windows.
type Pipeline struct {
	Windows    *metrics.WindowManager
	Aggregator *metrics.Aggregator
	Batcher    *export.Batcher
	Delivery   *delivery.Controller
	Health     *metrics.Health

	backend delivery.Backend
	log     zerolog.Logger
}

// BuildOptions carry the collaborators a Pipeline does not create itself.
type BuildOptions struct {
	Backend  delivery.Backend
	Logger   zerolog.Logger
	Tracer   trace.Tracer
	OnResult func(delivery.Result)
	Clock    func() time.Time
}

// Build assembles a Pipeline from cfg. Delivery does not start until Start.
func Build(cfg *config.Config, opts BuildOptions) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("pipeline: backend is required")
	}

	health := metrics.NewHealth()
	windows := metrics.NewWindowManager(metrics.WindowOptions{
		Interval:  cfg.WindowInterval,
		Alignment: metrics.Alignment(cfg.WindowAlignment),
		Clock:     opts.Clock,
	})
	batcher := export.NewBatcher(export.Options{
		MaxBatchSize:      cfg.MaxBatchSize,
		MaxCallsPerSecond: cfg.MaxCallsPerSecond,
	})
	controller, err := delivery.NewController(delivery.Options{
		Backend:        opts.Backend,
		Pacer:          batcher,
		Health:         health,
		Logger:         opts.Logger,
		Tracer:         opts.Tracer,
		MaxRetries:     cfg.MaxRetries,
		MaxPending:     cfg.MaxPendingBatches,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		SubmitTimeout:  cfg.SubmitTimeout,
		OnResult:       opts.OnResult,
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		Windows:    windows,
		Aggregator: metrics.NewAggregator(windows, health, opts.Logger),
		Batcher:    batcher,
		Delivery:   controller,
		Health:     health,
		backend:    opts.Backend,
		log:        opts.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Start begins the run clock and the delivery goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	p.Health.Start()
	p.Delivery.Start(ctx)
}

// Rotate closes the current window and queues its batches behind earlier windows.
// It returns the number of batches queued.
func (p *Pipeline) Rotate() (int, error) {
	w, err := p.Windows.Rotate()
	if err != nil {
		return 0, err
	}
	return p.enqueue(w, false)
}

// Drain force-closes the current window, queues its batches ahead of every periodic
// batch still waiting and waits for delivery to go idle or ctx to end. Whatever is
// still pending afterwards is abandoned.
func (p *Pipeline) Drain(ctx context.Context) error {
	w, err := p.Windows.ForceDrain()
	if err != nil {
		return err
	}
	queued, err := p.enqueue(w, true)
	if err != nil {
		p.Delivery.Close()
		return err
	}
	p.log.Debug().
		Int("metrics", w.Len()).
		Int64("samples", w.SampleCount()).
		Int("batches", queued).
		Msg("drained final window")

	flushErr := p.Delivery.Flush(ctx)
	if flushErr != nil {
		stats := p.Delivery.Stats()
		p.log.Warn().
			Err(flushErr).
			Int("pending", stats.Pending).
			Int("in_flight", stats.InFlight).
			Msg("drain timed out, abandoning remaining batches")
	}
	p.Delivery.Close()
	p.closeBackend()
	return flushErr
}

func (p *Pipeline) enqueue(w *metrics.Window, priority bool) (int, error) {
	batches := p.Batcher.Build(w)
	if len(batches) == 0 {
		return 0, nil
	}
	if err := p.Delivery.Enqueue(batches, priority); err != nil {
		return 0, err
	}
	return len(batches), nil
}

func (p *Pipeline) closeBackend() {
	if c, ok := p.backend.(interface{ Close() }); ok {
		c.Close()
	}
}
