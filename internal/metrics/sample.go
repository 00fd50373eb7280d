package metrics

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Unit is the measurement unit of a sample.
type Unit string

const (
	UnitCount        Unit = "Count"
	UnitMilliseconds Unit = "Milliseconds"
	UnitBytes        Unit = "Bytes"
)

// ClientIDDimension is the dimension every sample carries to identify the reporting worker.
const ClientIDDimension = "client_id"

// ErrInvalidSample marks a sample that cannot be merged.
var ErrInvalidSample = errors.New("invalid sample")

// ParseUnit maps a unit label to a Unit. Empty labels default to Count.
func ParseUnit(label string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "count":
		return UnitCount, nil
	case "milliseconds", "ms":
		return UnitMilliseconds, nil
	case "bytes", "b":
		return UnitBytes, nil
	default:
		return "", fmt.Errorf("unsupported unit %q", label)
	}
}

// Sample is a single measurement reported by a worker. Treat it as immutable.
type Sample struct {
	Name       string
	Value      float64
	Timestamp  time.Time
	Unit       Unit
	Dimensions map[string]string
}

// NewSample copies dims and stamps the client_id dimension.
func NewSample(clientID, name string, value float64, unit Unit, ts time.Time, dims map[string]string) Sample {
	copied := make(map[string]string, len(dims)+1)
	for k, v := range dims {
		copied[k] = v
	}
	if clientID != "" {
		copied[ClientIDDimension] = clientID
	}
	return Sample{
		Name:       name,
		Value:      value,
		Timestamp:  ts,
		Unit:       unit,
		Dimensions: copied,
	}
}

// Validate reports why a sample cannot be aggregated. A missing value is encoded as NaN.
func (s Sample) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSample)
	}
	if math.IsNaN(s.Value) {
		return fmt.Errorf("%w: %s: missing value", ErrInvalidSample, s.Name)
	}
	if math.IsInf(s.Value, 0) {
		return fmt.Errorf("%w: %s: infinite value", ErrInvalidSample, s.Name)
	}
	switch s.Unit {
	case UnitCount, UnitMilliseconds, UnitBytes:
	default:
		return fmt.Errorf("%w: %s: unsupported unit %q", ErrInvalidSample, s.Name, s.Unit)
	}
	return nil
}

// RawReport is one worker report as received by the master.
type RawReport struct {
	ClientID   string
	ReceivedAt time.Time
	Samples    []Sample
}
