package metrics

import (
	"errors"

	"github.com/rs/zerolog"
)

// Aggregator merges worker reports into the current window of a WindowManager.
type Aggregator struct {
	windows *WindowManager
	health  *Health
	log     zerolog.Logger
}

// NewAggregator creates an Aggregator. health may be nil.
func NewAggregator(windows *WindowManager, health *Health, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		windows: windows,
		health:  health,
		log:     log.With().Str("component", "aggregator").Logger(),
	}
}

// Ingest merges every valid sample of report into the current window. Malformed samples
// are logged and skipped; they never affect the other samples of the report.
func (a *Aggregator) Ingest(report RawReport) {
	valid := make([]Sample, 0, len(report.Samples))
	invalid := 0
	for i, s := range report.Samples {
		if err := s.Validate(); err != nil {
			invalid++
			a.log.Warn().
				Err(err).
				Str("client_id", report.ClientID).
				Int("index", i).
				Msg("skipping malformed sample")
			continue
		}
		valid = append(valid, s)
	}

	merged, skipped, err := a.windows.Merge(valid)
	if errors.Is(err, ErrDrained) {
		a.log.Debug().
			Str("client_id", report.ClientID).
			Int("samples", len(report.Samples)).
			Msg("discarding report received after drain")
		if a.health != nil {
			a.health.RecordLateReport(len(report.Samples))
		}
		return
	}
	for _, skipErr := range skipped {
		a.log.Warn().Err(skipErr).Str("client_id", report.ClientID).Msg("skipping malformed sample")
	}
	invalid += len(skipped)

	if a.health != nil {
		a.health.RecordIngest(merged, invalid)
	}
}
