package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/crankexport/internal/backend"
	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/harness"
	"github.com/torosent/crankexport/internal/output"
	"github.com/torosent/crankexport/internal/pipeline"
	"github.com/torosent/crankexport/internal/telemetry"
	"github.com/torosent/crankexport/internal/tracing"
)

const (
	metricsPath      = "/metrics"
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

// stopWatcher closes done once the harness has delivered a test stop. It is registered
// after the coordinator so done closes only when the drain has finished.
type stopWatcher struct {
	once sync.Once
	done chan struct{}
}

func newStopWatcher() *stopWatcher { return &stopWatcher{done: make(chan struct{})} }

func (w *stopWatcher) OnTestStart(context.Context, bool) {}
func (w *stopWatcher) OnWorkerReport(context.Context, string, []byte) {}
func (w *stopWatcher) OnTestStop(context.Context) {
	w.once.Do(func() { close(w.done) })
}

func runMaster(ctx context.Context, cfg *config.Config, log zerolog.Logger, std streams) error {
	provider, err := tracing.Init(ctx, cfg)
	if err != nil {
		return logStartupError(log, err, "tracing setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	collector := telemetry.New()
	coordinator, err := pipeline.NewCoordinator(pipeline.Options{
		Config: cfg,
		Backend: func(ctx context.Context) (delivery.Backend, error) {
			return backend.New(ctx, cfg, backend.Options{Stdout: std.out})
		},
		Logger:   log,
		Tracer:   provider.Tracer(),
		Observer: collector,
	})
	if err != nil {
		return err
	}

	bus := harness.NewBus()
	stopped := newStopWatcher()
	bus.Register(coordinator)
	bus.Register(stopped)

	reports := harness.NewServer(bus, log)
	mux := http.NewServeMux()
	mux.Handle(harness.ReportPath, reports)
	mux.Handle(metricsPath, collector.Handler())

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return logStartupError(log, err, "listen failed")
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	log.Info().
		Str("listen", ln.Addr().String()).
		Str("reports", harness.ReportPath).
		Str("metrics", metricsPath).
		Msg("master listening")

	bus.EmitTestStart(ctx, true)

	var progress *output.ProgressReporter
	if cfg.Progress {
		progress = output.NewProgressReporter(coordinator.Stats, progressInterval, std.err)
		progress.Start()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("stopping test")
	case <-stopped.done:
	case err := <-serveErr:
		runErr = err
		log.Error().Err(err).Msg("report listener failed, stopping test")
	}
	// A no-op when a worker already stopped the test.
	bus.EmitTestStop(context.WithoutCancel(ctx))
	if progress != nil {
		progress.Stop()
	}

	_ = reports.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}

	summaryOut := std.out
	if cfg.Backend.Type == config.BackendStdout {
		summaryOut = std.err
	}
	if coordinator.State() != pipeline.StateIdle {
		if err := output.Render(summaryOut, cfg.SummaryFormat, coordinator.Stats()); err != nil {
			return err
		}
	}
	return runErr
}
