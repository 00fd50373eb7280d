package backend

import (
	"time"

	"github.com/torosent/crankexport/internal/export"
)

// Datum is the JSON form of one aggregated series.
type Datum struct {
	Name        string            `json:"name"`
	Unit        string            `json:"unit"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Count       int64             `json:"count"`
	Sum         float64           `json:"sum"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
}

// Payload is the JSON form of a batch written by the http and stdout backends.
type Payload struct {
	BatchID string  `json:"batch_id"`
	Metrics []Datum `json:"metrics"`
}

func newPayload(batch export.Batch) Payload {
	p := Payload{
		BatchID: batch.ID.String(),
		Metrics: make([]Datum, 0, batch.Len()),
	}
	for _, m := range batch.Metrics {
		p.Metrics = append(p.Metrics, Datum{
			Name:        m.Key.Name,
			Unit:        string(m.Unit),
			Dimensions:  m.Dimensions(),
			Count:       m.Statistic.Count,
			Sum:         m.Statistic.Sum,
			Min:         m.Statistic.Min,
			Max:         m.Statistic.Max,
			WindowStart: m.WindowStart,
			WindowEnd:   m.WindowEnd,
		})
	}
	return p
}
