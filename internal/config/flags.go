package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crankexport",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	def := Default()

	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.String("role", string(def.Role), "Process role: 'master' aggregates and exports, 'worker' forwards samples")
	flags.Bool("cw-metrics", def.Enabled, "Enable the metrics export pipeline on the master")

	// Aggregation and export flags
	flags.Duration("window-interval", def.WindowInterval, "Aggregation window length")
	flags.String("window-alignment", string(def.WindowAlignment), "Window boundaries: 'rolling' from test start or 'wall_clock'")
	flags.Int("max-batch-size", def.MaxBatchSize, "Maximum metrics per backend call")
	flags.Float64("max-calls-per-second", def.MaxCallsPerSecond, "Backend call ceiling (0 means unlimited)")
	flags.Int("max-retries", def.MaxRetries, "Retries for throttled or failed batches")
	flags.Int("max-pending-batches", def.MaxPendingBatches, "Pending batch queue capacity")
	flags.Duration("drain-timeout", def.DrainTimeout, "Max time to wait for delivery at test stop")
	flags.Duration("backoff-initial", def.BackoffInitial, "First retry delay")
	flags.Duration("backoff-max", def.BackoffMax, "Retry delay ceiling")
	flags.Duration("submit-timeout", def.SubmitTimeout, "Per-call backend timeout")

	// Backend flags
	flags.String("backend", string(def.Backend.Type), "Backend: 'cloudwatch', 'http' or 'stdout'")
	flags.String("cw-namespace", def.Backend.CloudWatch.Namespace, "CloudWatch namespace")
	flags.String("cw-region", "", "CloudWatch region (defaults to the AWS SDK region chain)")
	flags.String("cw-endpoint", "", "CloudWatch endpoint override")
	flags.String("http-endpoint", "", "URL the http backend posts batches to")
	flags.StringSlice("http-header", nil, "Additional http backend header in key=value form")

	// Transport flags
	flags.String("listen", def.Listen, "Master listen address for worker reports and /metrics")
	flags.String("master-url", "", "Worker: master report URL (ws://host:port/report)")
	flags.String("client-id", "", "Worker: client identity (generated when empty)")
	flags.Duration("report-interval", def.ReportInterval, "Worker: interval between reports")
	flags.Bool("stop-on-eof", false, "Worker: ask the master to stop the test when input ends")
	flags.DurationP("duration", "d", 0, "How long the test runs before stopping (0 waits for a signal)")

	// Output flags
	flags.String("log-level", def.LogLevel, "Log level: debug, info, warn or error")
	flags.String("summary-format", string(def.SummaryFormat), "Stop summary format: text, json or yaml")
	flags.Bool("progress", false, "Master: print a live export status line to stderr")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP endpoint for submission spans (empty disables tracing)")
	flags.String("tracing-protocol", def.Tracing.Protocol, "OTLP protocol: grpc or http")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", def.Tracing.SampleRate, "Trace sampling ratio between 0 and 1")
	flags.Bool("tracing-propagate", true, "Inject W3C trace headers into http backend calls")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file and environment.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	strFlags := []struct {
		name string
		set  func(string)
	}{
		{"role", func(v string) { cfg.Role = Role(v) }},
		{"window-alignment", func(v string) { cfg.WindowAlignment = WindowAlignment(v) }},
		{"backend", func(v string) { cfg.Backend.Type = BackendType(v) }},
		{"cw-namespace", func(v string) { cfg.Backend.CloudWatch.Namespace = strings.TrimSpace(v) }},
		{"cw-region", func(v string) { cfg.Backend.CloudWatch.Region = strings.TrimSpace(v) }},
		{"cw-endpoint", func(v string) { cfg.Backend.CloudWatch.Endpoint = strings.TrimSpace(v) }},
		{"http-endpoint", func(v string) { cfg.Backend.HTTP.Endpoint = v }},
		{"listen", func(v string) { cfg.Listen = v }},
		{"master-url", func(v string) { cfg.MasterURL = v }},
		{"client-id", func(v string) { cfg.ClientID = v }},
		{"log-level", func(v string) { cfg.LogLevel = v }},
		{"summary-format", func(v string) { cfg.SummaryFormat = SummaryFormat(v) }},
		{"tracing-endpoint", func(v string) { cfg.Tracing.Endpoint = strings.TrimSpace(v) }},
		{"tracing-protocol", func(v string) { cfg.Tracing.Protocol = strings.TrimSpace(v) }},
	}
	for _, f := range strFlags {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetString(f.name)
		if err != nil {
			return err
		}
		f.set(val)
	}

	if err := applyDurationFlags(cfg, fs); err != nil {
		return err
	}

	intFlags := map[string]*int{
		"max-batch-size":      &cfg.MaxBatchSize,
		"max-retries":         &cfg.MaxRetries,
		"max-pending-batches": &cfg.MaxPendingBatches,
	}
	for name, target := range intFlags {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*target = val
	}

	floatFlags := map[string]*float64{
		"max-calls-per-second": &cfg.MaxCallsPerSecond,
		"tracing-sample-rate":  &cfg.Tracing.SampleRate,
	}
	for name, target := range floatFlags {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetFloat64(name)
		if err != nil {
			return err
		}
		*target = val
	}

	if fs.Changed("cw-metrics") {
		val, err := fs.GetBool("cw-metrics")
		if err != nil {
			return err
		}
		cfg.Enabled = val
	}
	if fs.Changed("stop-on-eof") {
		val, err := fs.GetBool("stop-on-eof")
		if err != nil {
			return err
		}
		cfg.StopOnEOF = val
	}
	if fs.Changed("progress") {
		val, err := fs.GetBool("progress")
		if err != nil {
			return err
		}
		cfg.Progress = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-propagate") {
		val, err := fs.GetBool("tracing-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}

	vals, err := fs.GetStringSlice("http-header")
	if err != nil {
		return err
	}
	if len(vals) > 0 {
		if cfg.Backend.HTTP.Headers == nil {
			cfg.Backend.HTTP.Headers = map[string]string{}
		}
		for _, entry := range vals {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("header must be in key=value format: %s", entry)
			}
			key := http.CanonicalHeaderKey(strings.TrimSpace(parts[0]))
			if key == "" {
				return fmt.Errorf("header key cannot be empty")
			}
			cfg.Backend.HTTP.Headers[key] = strings.TrimSpace(parts[1])
		}
	}

	return nil
}

func applyDurationFlags(cfg *Config, fs *pflag.FlagSet) error {
	durFlags := map[string]*time.Duration{
		"window-interval": &cfg.WindowInterval,
		"drain-timeout":   &cfg.DrainTimeout,
		"backoff-initial": &cfg.BackoffInitial,
		"backoff-max":     &cfg.BackoffMax,
		"submit-timeout":  &cfg.SubmitTimeout,
		"report-interval": &cfg.ReportInterval,
		"duration":        &cfg.Duration,
	}
	for name, target := range durFlags {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*target = val
	}
	return nil
}
