package config

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "CRANKEXPORT"

// legacyEnableEnv is the switch used by existing harness deployments.
const legacyEnableEnv = "LOCUST_CW_METRICS"

// Loader handles loading configuration from files, environment and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// envKeys lists the settings that may come from the environment.
var envKeys = []string{
	"role",
	"window_interval_seconds",
	"window_alignment",
	"max_batch_size",
	"max_calls_per_second",
	"max_retries",
	"max_pending_batches",
	"drain_timeout_seconds",
	"backoff_initial",
	"backoff_max",
	"submit_timeout",
	"backend.type",
	"backend.cloudwatch.namespace",
	"backend.cloudwatch.region",
	"backend.cloudwatch.endpoint",
	"backend.http.endpoint",
	"listen",
	"master_url",
	"client_id",
	"report_interval",
	"duration",
	"log_level",
	"summary_format",
	"progress",
	"stop_on_eof",
	"tracing.endpoint",
	"tracing.protocol",
	"tracing.service_name",
	"tracing.sample_rate",
	"tracing.insecure",
	"tracing.propagate",
}

// Load parses command-line arguments, the optional config file and the environment to
// produce a Config. Precedence is defaults < file < environment < flags.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := strings.TrimSpace(flagSet.Lookup("config").Value.String())
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	if err := bindEnv(cfgViper); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(&cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(&cfg, flagSet); err != nil {
		return nil, err
	}

	normalize(&cfg)
	return &cfg, nil
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return v.BindEnv("enabled", EnvPrefix+"_ENABLED", legacyEnableEnv)
}

func normalize(cfg *Config) {
	cfg.Role = Role(strings.ToLower(strings.TrimSpace(string(cfg.Role))))
	cfg.WindowAlignment = WindowAlignment(strings.ToLower(strings.TrimSpace(string(cfg.WindowAlignment))))
	cfg.Backend.Type = BackendType(strings.ToLower(strings.TrimSpace(string(cfg.Backend.Type))))
	cfg.Backend.HTTP.Endpoint = strings.TrimSpace(cfg.Backend.HTTP.Endpoint)
	cfg.SummaryFormat = SummaryFormat(strings.ToLower(strings.TrimSpace(string(cfg.SummaryFormat))))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.MasterURL = strings.TrimSpace(cfg.MasterURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.Backend.HTTP.Headers == nil {
		cfg.Backend.HTTP.Headers = map[string]string{}
	}
}

// applyConfigSettings applies settings from a config file or the environment to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "role"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("role: %w", err)
		}
		cfg.Role = Role(val)
	}

	if raw, ok := lookupSetting(settings, "enabled", "cw_metrics"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		cfg.Enabled = val
	}

	if raw, ok := lookupSetting(settings, "window_interval_seconds", "window_interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("window_interval_seconds: %w", err)
		}
		cfg.WindowInterval = dur
	}

	if raw, ok := lookupSetting(settings, "window_alignment"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("window_alignment: %w", err)
		}
		cfg.WindowAlignment = WindowAlignment(val)
	}

	if raw, ok := lookupSetting(settings, "max_batch_size"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_batch_size: %w", err)
		}
		cfg.MaxBatchSize = val
	}

	if raw, ok := lookupSetting(settings, "max_calls_per_second"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("max_calls_per_second: %w", err)
		}
		cfg.MaxCallsPerSecond = val
	}

	if raw, ok := lookupSetting(settings, "max_retries"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_retries: %w", err)
		}
		cfg.MaxRetries = val
	}

	if raw, ok := lookupSetting(settings, "max_pending_batches"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_pending_batches: %w", err)
		}
		cfg.MaxPendingBatches = val
	}

	durations := []struct {
		keys   []string
		target *time.Duration
	}{
		{[]string{"drain_timeout_seconds", "drain_timeout"}, &cfg.DrainTimeout},
		{[]string{"backoff_initial"}, &cfg.BackoffInitial},
		{[]string{"backoff_max"}, &cfg.BackoffMax},
		{[]string{"submit_timeout"}, &cfg.SubmitTimeout},
		{[]string{"report_interval"}, &cfg.ReportInterval},
		{[]string{"duration"}, &cfg.Duration},
	}
	for _, d := range durations {
		raw, ok := lookupSetting(settings, d.keys...)
		if !ok {
			continue
		}
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.keys[0], err)
		}
		*d.target = dur
	}

	strs := []struct {
		key    string
		target *string
	}{
		{"listen", &cfg.Listen},
		{"master_url", &cfg.MasterURL},
		{"client_id", &cfg.ClientID},
		{"log_level", &cfg.LogLevel},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.key)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.key, err)
		}
		*s.target = val
	}

	if raw, ok := lookupSetting(settings, "summary_format"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("summary_format: %w", err)
		}
		cfg.SummaryFormat = SummaryFormat(val)
	}

	if raw, ok := lookupSetting(settings, "stop_on_eof"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("stop_on_eof: %w", err)
		}
		cfg.StopOnEOF = val
	}

	if raw, ok := lookupSetting(settings, "progress"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		cfg.Progress = val
	}

	if raw, ok := lookupSetting(settings, "backend"); ok {
		if err := applyBackendSettings(&cfg.Backend, raw); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applyTracingSettings(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func applyBackendSettings(b *BackendConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}

	if raw, ok := lookupSetting(settings, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("type: %w", err)
		}
		b.Type = BackendType(val)
	}

	if raw, ok := lookupSetting(settings, "cloudwatch"); ok {
		cw, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("cloudwatch: %w", err)
		}
		for key, target := range map[string]*string{
			"namespace": &b.CloudWatch.Namespace,
			"region":    &b.CloudWatch.Region,
			"endpoint":  &b.CloudWatch.Endpoint,
		} {
			if raw, ok := lookupSetting(cw, key); ok {
				val, err := asString(raw)
				if err != nil {
					return fmt.Errorf("cloudwatch.%s: %w", key, err)
				}
				*target = strings.TrimSpace(val)
			}
		}
	}

	if raw, ok := lookupSetting(settings, "http"); ok {
		h, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		if raw, ok := lookupSetting(h, "endpoint"); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("http.endpoint: %w", err)
			}
			b.HTTP.Endpoint = val
		}
		if raw, ok := lookupSetting(h, "headers"); ok {
			hdrs, err := asStringMap(raw)
			if err != nil {
				return fmt.Errorf("http.headers: %w", err)
			}
			if b.HTTP.Headers == nil {
				b.HTTP.Headers = map[string]string{}
			}
			for k, v := range hdrs {
				b.HTTP.Headers[http.CanonicalHeaderKey(k)] = v
			}
		}
	}

	return nil
}

func applyTracingSettings(t *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}

	for key, target := range map[string]*string{
		"endpoint":     &t.Endpoint,
		"protocol":     &t.Protocol,
		"service_name": &t.ServiceName,
	} {
		if raw, ok := lookupSetting(settings, key); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "sample_rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}

	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}

	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &val
	}

	return nil
}
