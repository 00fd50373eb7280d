package harness

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/crankexport/internal/metrics"
)

// ErrMalformedReport is returned when a report payload cannot be read at all. Individual
// bad samples do not fail the report; they are decoded so validation can reject them.
var ErrMalformedReport = errors.New("malformed report")

// WireSample is the JSON form of one sample inside a report.
type WireSample struct {
	Name       string            `json:"name"`
	Value      *float64          `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Timestamp  float64           `json:"timestamp,omitempty"` // unix seconds
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// ReportData is the JSON payload of a worker report.
type ReportData struct {
	Samples []WireSample `json:"samples"`
}

// DecodeReport parses a report payload into samples stamped with clientID. A sample
// without a numeric value gets NaN, and an unknown unit label is kept as-is, so
// Sample.Validate rejects both.
func DecodeReport(clientID string, data []byte, receivedAt time.Time) (metrics.RawReport, error) {
	report := metrics.RawReport{ClientID: clientID, ReceivedAt: receivedAt}
	if !gjson.ValidBytes(data) {
		return report, ErrMalformedReport
	}
	samples := gjson.GetBytes(data, "samples")
	if !samples.IsArray() {
		return report, ErrMalformedReport
	}

	samples.ForEach(func(_, s gjson.Result) bool {
		report.Samples = append(report.Samples, decodeSample(clientID, s, receivedAt))
		return true
	})
	return report, nil
}

func decodeSample(clientID string, s gjson.Result, receivedAt time.Time) metrics.Sample {
	value := math.NaN()
	if v := s.Get("value"); v.Type == gjson.Number {
		value = v.Float()
	}

	label := s.Get("unit").String()
	unit, err := metrics.ParseUnit(label)
	if err != nil {
		unit = metrics.Unit(label)
	}

	var dims map[string]string
	if d := s.Get("dimensions"); d.IsObject() {
		dims = map[string]string{}
		d.ForEach(func(k, v gjson.Result) bool {
			dims[k.String()] = v.String()
			return true
		})
	}

	return metrics.NewSample(clientID, strings.TrimSpace(s.Get("name").String()), value, unit, sampleTime(s.Get("timestamp"), receivedAt), dims)
}

func sampleTime(ts gjson.Result, fallback time.Time) time.Time {
	switch ts.Type {
	case gjson.Number:
		secs := ts.Float()
		if secs <= 0 {
			return fallback
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			return t
		}
	}
	return fallback
}
