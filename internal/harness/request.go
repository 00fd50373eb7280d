package harness

import (
	"errors"
	"math"

	"github.com/tidwall/gjson"
)

// Sample names derived from request events.
const (
	MetricResponseTime   = "response_time"
	MetricResponseLength = "response_length"
	MetricRequests       = "requests"
	MetricFailures       = "failures"
)

// ErrUnknownLine is returned for input lines that are neither samples nor request events.
var ErrUnknownLine = errors.New("line is neither a sample nor a request event")

// RequestEvent is one completed request as reported by the load engine.
type RequestEvent struct {
	RequestType    string  // GET, POST, ...
	Name           string  // request name, the path by default
	ResponseTime   float64 // milliseconds
	ResponseLength int64   // bytes
	StartTime      float64 // unix seconds
	Exception      string  // empty on success
}

// Samples expands the event into the samples a worker reports for it.
func (e RequestEvent) Samples() []WireSample {
	dims := func() map[string]string {
		return map[string]string{"request_type": e.RequestType, "name": e.Name}
	}
	one := 1.0
	rt := e.ResponseTime
	length := float64(e.ResponseLength)

	out := []WireSample{
		{Name: MetricRequests, Value: &one, Unit: "Count", Timestamp: e.StartTime, Dimensions: dims()},
		{Name: MetricResponseTime, Value: &rt, Unit: "Milliseconds", Timestamp: e.StartTime, Dimensions: dims()},
		{Name: MetricResponseLength, Value: &length, Unit: "Bytes", Timestamp: e.StartTime, Dimensions: dims()},
	}
	if e.Exception != "" {
		out = append(out, WireSample{Name: MetricFailures, Value: &one, Unit: "Count", Timestamp: e.StartTime, Dimensions: dims()})
	}
	return out
}

// ParseLine reads one JSON line of worker input: either a sample
// ({"name", "value", ...}) or a request event ({"request_type", "name",
// "response_time", "response_length", "exception", ...}).
func ParseLine(line []byte) ([]WireSample, error) {
	if !gjson.ValidBytes(line) {
		return nil, ErrMalformedReport
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return nil, ErrUnknownLine
	}

	if rt := doc.Get("response_time"); rt.Exists() {
		event := RequestEvent{
			RequestType:    doc.Get("request_type").String(),
			Name:           doc.Get("name").String(),
			ResponseTime:   rt.Float(),
			ResponseLength: doc.Get("response_length").Int(),
			StartTime:      doc.Get("start_time").Float(),
		}
		if exc := doc.Get("exception"); exc.Exists() && exc.Type != gjson.Null {
			event.Exception = exc.String()
		}
		return event.Samples(), nil
	}

	if !doc.Get("name").Exists() {
		return nil, ErrUnknownLine
	}
	s := WireSample{
		Name:      doc.Get("name").String(),
		Unit:      doc.Get("unit").String(),
		Timestamp: doc.Get("timestamp").Float(),
	}
	if v := doc.Get("value"); v.Type == gjson.Number && !math.IsNaN(v.Float()) {
		value := v.Float()
		s.Value = &value
	}
	if d := doc.Get("dimensions"); d.IsObject() {
		s.Dimensions = map[string]string{}
		d.ForEach(func(k, v gjson.Result) bool {
			s.Dimensions[k.String()] = v.String()
			return true
		})
	}
	return []WireSample{s}, nil
}
