package main

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/harness"
)

const maxLineBytes = 1 << 20

// runWorker forwards JSON-lines samples from stdin to the master until input ends or
// ctx is done. Workers never aggregate.
func runWorker(ctx context.Context, cfg *config.Config, log zerolog.Logger, std streams) error {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = ulid.Make().String()
	}
	log = log.With().Str("client_id", clientID).Logger()

	reporter := harness.NewReporter(harness.ReporterConfig{
		URL:      cfg.MasterURL,
		ClientID: clientID,
		Interval: cfg.ReportInterval,
	}, log)
	if err := reporter.Connect(ctx); err != nil {
		return logStartupError(log, err, "cannot reach master")
	}
	defer reporter.Close()

	runCtx, stopReporting := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- reporter.Run(runCtx) }()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLines(runCtx, std.in, lines)
	}()

	eof := false
	invalid := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				eof = true
				break loop
			}
			samples, err := harness.ParseLine(line)
			if err != nil {
				invalid++
				log.Warn().Err(err).Int("bytes", len(line)).Msg("skipping input line")
				continue
			}
			reporter.Add(samples...)
		}
	}

	stopReporting()
	flushErr := <-runDone

	if eof {
		if err := <-readErr; err != nil {
			log.Warn().Err(err).Msg("input read failed")
		}
		if cfg.StopOnEOF {
			if err := reporter.SendStop(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("stop request failed")
			}
		}
	}

	stats := reporter.Stats()
	log.Info().
		Int64("reports", stats.ReportsSent).
		Int64("samples", stats.SamplesSent).
		Int64("samples_dropped", stats.SamplesDropped).
		Int("lines_invalid", invalid).
		Msg("worker finished")
	return flushErr
}

// readLines sends each non-empty line of r to out. It gives up when ctx is done so an
// abandoned reader never blocks on out.
func readLines(ctx context.Context, r io.Reader, out chan<- []byte) error {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		select {
		case out <- append([]byte(nil), line...):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
