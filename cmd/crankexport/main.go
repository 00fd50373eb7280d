package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/logging"
)

// streams are the process's standard streams, replaced in tests.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

func main() {
	std := streams{in: os.Stdin, out: os.Stdout, err: os.Stderr}
	if err := run(os.Args[1:], std); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, std streams) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Out: std.err})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, cfg.Duration)
		defer stop()
	}

	log.Info().
		Str("role", string(cfg.Role)).
		Str("config", cfg.ConfigFile).
		Msg("crankexport starting")

	switch cfg.Role {
	case config.RoleWorker:
		return runWorker(ctx, cfg, log, std)
	default:
		return runMaster(ctx, cfg, log, std)
	}
}

func logStartupError(log zerolog.Logger, err error, msg string) error {
	log.Error().Err(err).Msg(msg)
	return fmt.Errorf("%s: %w", msg, err)
}
