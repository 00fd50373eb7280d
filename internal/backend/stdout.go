package backend

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/export"
)

// Stdout writes each batch as one JSON line.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout writes to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Name() string { return string(config.BackendStdout) }

func (s *Stdout) Submit(ctx context.Context, batch export.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(newPayload(batch)); err != nil {
		return delivery.Throttled(err)
	}
	return nil
}
