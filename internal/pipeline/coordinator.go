package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/harness"
	"github.com/torosent/crankexport/internal/metrics"
)

var (
	// ErrNotMaster is returned when a worker process is asked to start a pipeline.
	ErrNotMaster = errors.New("pipeline: only the master aggregates")
	// ErrInvalidTransition is returned for lifecycle events that do not apply to the
	// current state.
	ErrInvalidTransition = errors.New("pipeline: invalid state transition")
)

// State is the lifecycle state of a Coordinator.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BackendFactory creates the export backend when a run starts.
type BackendFactory func(ctx context.Context) (delivery.Backend, error)

// Observer is notified of pipeline activity. Calls must not block for long: report
// notifications run while the report is still counted as in flight.
type Observer interface {
	ReportIngested(clientID string, samples int)
	ReportLate(clientID string, samples int)
	BatchSettled(result delivery.Result)
	StateChanged(state State)
}

// Options configure a Coordinator.
type Options struct {
	Config   *config.Config
	Backend  BackendFactory
	Logger   zerolog.Logger
	Tracer   trace.Tracer
	Observer Observer         // optional
	Clock    func() time.Time // optional injection for tests
}

// Stats is a snapshot of the current run.
type Stats struct {
	State    State               `json:"-" yaml:"-"`
	StateStr string              `json:"state" yaml:"state"`
	Windows  int64               `json:"windows_closed" yaml:"windows_closed"`
	Health   metrics.HealthStats `json:"health" yaml:"health"`
	Delivery delivery.Stats      `json:"delivery" yaml:"delivery"`
}

// Coordinator drives one Pipeline through Idle, Running, Draining and Stopped.
//
// gate orders report handling against the stop transition: reports hold it shared for
// the whole decode and merge, the stop handler takes it exclusively to leave Running,
// so every report that entered while Running is merged before the final window closes.
type Coordinator struct {
	opt Options
	log zerolog.Logger

	gate  sync.RWMutex
	state State
	pipe  *Pipeline

	windows   atomic.Int64
	stopLoop  context.CancelFunc
	cancelRun context.CancelFunc
	loopDone  chan struct{}
	stopped   chan struct{} // closed on entering Stopped

	disabledOnce sync.Once
}

func NewCoordinator(opt Options) (*Coordinator, error) {
	if opt.Config == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	return &Coordinator{
		opt:     opt,
		log:     opt.Logger.With().Str("component", "coordinator").Logger(),
		stopped: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.state
}

// Stats returns the run's export health and delivery counters. Before a run starts
// both are zero.
func (c *Coordinator) Stats() Stats {
	c.gate.RLock()
	state, pipe := c.state, c.pipe
	c.gate.RUnlock()

	stats := Stats{State: state, StateStr: state.String(), Windows: c.windows.Load()}
	if pipe != nil {
		stats.Health = pipe.Health.Stats()
		stats.Delivery = pipe.Delivery.Stats()
	}
	return stats
}

// HandleTestStart builds and starts the pipeline. Workers never build one; with
// exporting disabled the coordinator stays Idle.
func (c *Coordinator) HandleTestStart(ctx context.Context, isMaster bool) error {
	if !isMaster || c.opt.Config.Role != config.RoleMaster {
		c.log.Debug().Msg("not the master, skipping metrics pipeline")
		return ErrNotMaster
	}
	if !c.opt.Config.Enabled {
		c.disabledOnce.Do(func() {
			c.log.Info().Msg("metrics export disabled, pipeline not started")
		})
		return nil
	}
	if c.opt.Backend == nil {
		return errors.New("pipeline: backend factory is required")
	}

	c.gate.Lock()
	defer c.gate.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: test start while %s", ErrInvalidTransition, c.state)
	}

	backend, err := c.opt.Backend(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: create backend: %w", err)
	}
	pipe, err := Build(c.opt.Config, BuildOptions{
		Backend:  backend,
		Logger:   c.opt.Logger,
		Tracer:   c.opt.Tracer,
		OnResult: c.onResult,
		Clock:    c.opt.Clock,
	})
	if err != nil {
		return err
	}

	// Delivery outlives the caller's context until the drain decides otherwise.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	pipe.Start(runCtx)

	loopCtx, stopLoop := context.WithCancel(runCtx)
	c.pipe = pipe
	c.stopLoop = stopLoop
	c.cancelRun = cancelRun
	c.loopDone = make(chan struct{})
	go c.rotateLoop(loopCtx, pipe, c.loopDone)

	c.setStateLocked(StateRunning)
	c.log.Info().
		Str("backend", backend.Name()).
		Dur("window_interval", pipe.Windows.Interval()).
		Int("max_batch_size", pipe.Batcher.MaxBatchSize()).
		Float64("max_calls_per_second", c.opt.Config.MaxCallsPerSecond).
		Msg("metrics pipeline started")
	return nil
}

// HandleWorkerReport decodes one report and merges it into the current window. Reports
// outside Running are discarded; after a stop they are counted as late.
func (c *Coordinator) HandleWorkerReport(ctx context.Context, clientID string, data []byte) error {
	receivedAt := c.opt.Clock()

	c.gate.RLock()
	defer c.gate.RUnlock()

	switch c.state {
	case StateRunning:
	case StateIdle:
		c.log.Debug().Str("client_id", clientID).Msg("discarding report received before test start")
		return nil
	default:
		samples := 0
		if report, err := harness.DecodeReport(clientID, data, receivedAt); err == nil {
			samples = len(report.Samples)
		}
		c.pipe.Health.RecordLateReport(samples)
		c.log.Debug().
			Str("client_id", clientID).
			Int("samples", samples).
			Str("state", c.state.String()).
			Msg("discarding late report")
		if c.opt.Observer != nil {
			c.opt.Observer.ReportLate(clientID, samples)
		}
		return nil
	}

	report, err := harness.DecodeReport(clientID, data, receivedAt)
	if err != nil {
		c.log.Warn().Err(err).Str("client_id", clientID).Int("bytes", len(data)).Msg("discarding malformed report")
		return fmt.Errorf("report from %s: %w", clientID, err)
	}
	c.pipe.Aggregator.Ingest(report)
	if c.opt.Observer != nil {
		c.opt.Observer.ReportIngested(clientID, len(report.Samples))
	}
	return nil
}

// HandleTestStop drains the run. It blocks until every batch is settled or the drain
// timeout expires, whichever comes first; on timeout the remaining batches are counted
// as abandoned and the timeout is returned. A stop that arrives while another one is
// draining waits for that drain to finish, bounded by ctx.
func (c *Coordinator) HandleTestStop(ctx context.Context) error {
	c.gate.Lock()
	if c.state != StateRunning {
		state := c.state
		c.gate.Unlock()
		switch state {
		case StateStopped:
			return nil
		case StateDraining:
			select {
			case <-c.stopped:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("pipeline: waiting for drain: %w", ctx.Err())
			}
		}
		return fmt.Errorf("%w: test stop while %s", ErrInvalidTransition, state)
	}
	c.setStateLocked(StateDraining)
	pipe := c.pipe
	c.gate.Unlock()

	start := time.Now()

	// Stop periodic rotation first so the drained window is the last one closed.
	c.stopLoop()
	<-c.loopDone

	drainCtx, cancel := context.WithTimeout(ctx, c.opt.Config.DrainTimeout)
	defer cancel()
	err := pipe.Drain(drainCtx)
	c.cancelRun()
	c.windows.Add(1)

	c.gate.Lock()
	c.setStateLocked(StateStopped)
	close(c.stopped)
	c.gate.Unlock()

	c.logSummary(pipe.Health.Stats(), time.Since(start))
	if err != nil {
		return fmt.Errorf("pipeline: drain: %w", err)
	}
	return nil
}

// OnTestStart implements harness.Listener.
func (c *Coordinator) OnTestStart(ctx context.Context, isMaster bool) {
	if err := c.HandleTestStart(ctx, isMaster); err != nil && !errors.Is(err, ErrNotMaster) {
		c.log.Error().Err(err).Msg("metrics pipeline not started")
	}
}

// OnWorkerReport implements harness.Listener.
func (c *Coordinator) OnWorkerReport(ctx context.Context, clientID string, data []byte) {
	_ = c.HandleWorkerReport(ctx, clientID, data)
}

// OnTestStop implements harness.Listener.
func (c *Coordinator) OnTestStop(ctx context.Context) {
	if err := c.HandleTestStop(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
		c.log.Warn().Err(err).Msg("metrics drain incomplete")
	}
}

func (c *Coordinator) rotateLoop(ctx context.Context, pipe *Pipeline, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(pipe.Windows.NextRotation(c.opt.Clock()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			queued, err := pipe.Rotate()
			if err != nil {
				if errors.Is(err, metrics.ErrDrained) {
					return
				}
				c.log.Warn().Err(err).Msg("window rotation failed")
			} else {
				c.windows.Add(1)
				c.log.Debug().Int("batches", queued).Msg("window closed")
			}
			timer.Reset(pipe.Windows.NextRotation(c.opt.Clock()))
		}
	}
}

func (c *Coordinator) onResult(res delivery.Result) {
	if c.opt.Observer != nil {
		c.opt.Observer.BatchSettled(res)
	}
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	if c.opt.Observer != nil {
		c.opt.Observer.StateChanged(s)
	}
}

func (c *Coordinator) logSummary(stats metrics.HealthStats, elapsed time.Duration) {
	event := c.log.Info()
	if stats.TotalMetricsDropped() > 0 {
		event = c.log.Warn()
	}
	drops := zerolog.Dict()
	for _, row := range metrics.FlattenDrops(stats.MetricsDropped, stats.SamplesDropped) {
		drops.Int64(string(row.Reason), row.Samples)
	}
	event.
		Dur("drain", elapsed).
		Int64("samples_ingested", stats.SamplesIngested).
		Int64("samples_exported", stats.SamplesExported).
		Int64("samples_dropped", stats.TotalSamplesDropped()).
		Int64("samples_late", stats.SamplesLate).
		Dict("dropped_by_reason", drops).
		Msg("metrics pipeline stopped")
}

var _ harness.Listener = (*Coordinator)(nil)
