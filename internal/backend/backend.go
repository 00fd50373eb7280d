package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
)

// Options carry process-level collaborators for New.
type Options struct {
	Stdout io.Writer // stdout backend destination; nil means os.Stdout
}

// New builds the backend selected by cfg.Backend.Type.
func New(ctx context.Context, cfg *config.Config, opts Options) (delivery.Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	switch cfg.Backend.Type {
	case config.BackendCloudWatch:
		return NewCloudWatch(ctx, cfg.Backend.CloudWatch)
	case config.BackendHTTP:
		return NewHTTP(cfg.Backend.HTTP, cfg.SubmitTimeout, cfg.Tracing.ShouldPropagate())
	case config.BackendStdout, "":
		return NewStdout(opts.Stdout), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend.Type)
	}
}
