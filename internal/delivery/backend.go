package delivery

import (
	"context"

	"github.com/torosent/crankexport/internal/export"
)

// Backend submits one batch to the metrics store. Implementations classify failures
// with Throttled or Permanent; any other error is retried as transient.
type Backend interface {
	Name() string
	Submit(ctx context.Context, batch export.Batch) error
}

// Pacer gates each submission attempt. export.Batcher satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}
