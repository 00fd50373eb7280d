package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/metrics"
	"github.com/torosent/crankexport/internal/pipeline"
)

// Render writes the stop summary in the requested format.
func Render(w io.Writer, format config.SummaryFormat, stats pipeline.Stats) error {
	switch format {
	case config.SummaryJSON:
		return PrintJSONReport(w, stats)
	case config.SummaryYAML:
		return PrintYAMLReport(w, stats)
	case config.SummaryText, "":
		PrintReport(w, stats)
		return nil
	default:
		return fmt.Errorf("unsupported summary format %q", format)
	}
}

// PrintReport outputs a human-readable export summary.
func PrintReport(w io.Writer, stats pipeline.Stats) {
	h := stats.Health
	fmt.Fprintln(w, "\n--- Metrics Export Summary ---")
	fmt.Fprintf(w, "State:             %s\n", stats.State)
	fmt.Fprintf(w, "Duration:          %s\n", h.Duration)
	fmt.Fprintf(w, "Windows Closed:    %d\n", stats.Windows)
	fmt.Fprintf(w, "Samples Ingested:  %d\n", h.SamplesIngested)
	fmt.Fprintf(w, "Samples Invalid:   %d\n", h.SamplesInvalid)
	fmt.Fprintf(w, "Samples Exported:  %d\n", h.SamplesExported)
	fmt.Fprintf(w, "Samples Dropped:   %d\n", h.TotalSamplesDropped())
	if h.ReportsLate > 0 {
		fmt.Fprintf(w, "Late Reports:      %d (%d samples)\n", h.ReportsLate, h.SamplesLate)
	}

	fmt.Fprintln(w, "\nDelivery:")
	fmt.Fprintf(w, "  Batches Sent:    %d\n", stats.Delivery.Delivered)
	fmt.Fprintf(w, "  Batches Dropped: %d\n", stats.Delivery.Dropped)
	fmt.Fprintf(w, "  Submissions:     %d\n", h.Submissions)
	fmt.Fprintf(w, "  Retries:         %d\n", h.Retries)
	fmt.Fprintf(w, "  Failures:        %d\n", h.Failures)

	if h.Submissions > 0 {
		fmt.Fprintln(w, "\nSubmit Latency:")
		fmt.Fprintf(w, "  Min:             %s\n", h.MinLatency)
		fmt.Fprintf(w, "  Max:             %s\n", h.MaxLatency)
		fmt.Fprintf(w, "  Mean:            %s\n", h.MeanLatency)
		fmt.Fprintf(w, "  P50:             %s\n", h.P50Latency)
		fmt.Fprintf(w, "  P90:             %s\n", h.P90Latency)
		fmt.Fprintf(w, "  P99:             %s\n", h.P99Latency)
	}

	if rows := metrics.FlattenDrops(h.MetricsDropped, h.SamplesDropped); len(rows) > 0 {
		fmt.Fprintln(w, "\nDropped:")
		for _, row := range rows {
			fmt.Fprintf(w, "  - %s: metrics=%d, samples=%d\n", row.Reason, row.Metrics, row.Samples)
		}
	}

	if len(h.Errors) > 0 {
		fmt.Fprintln(w, "\nBackend Errors:")
		writeErrors(w, h.Errors, "  ")
	}
}

// PrintJSONReport outputs a JSON-formatted summary.
func PrintJSONReport(w io.Writer, stats pipeline.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// PrintYAMLReport outputs a YAML-formatted summary.
func PrintYAMLReport(w io.Writer, stats pipeline.Stats) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(stats); err != nil {
		return err
	}
	return enc.Close()
}

func writeErrors(w io.Writer, errs map[string]int, indent string) {
	type row struct {
		name  string
		count int
	}
	rows := make([]row, 0, len(errs))
	for name, count := range errs {
		rows = append(rows, row{metrics.FriendlyErrorName(name), count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count == rows[j].count {
			return rows[i].name < rows[j].name
		}
		return rows[i].count > rows[j].count
	})
	for _, r := range rows {
		fmt.Fprintf(w, "%s%s: %d\n", indent, r.name, r.count)
	}
}
