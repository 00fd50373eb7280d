package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

type BackendType string

const (
	BackendCloudWatch BackendType = "cloudwatch"
	BackendHTTP       BackendType = "http"
	BackendStdout     BackendType = "stdout"
)

type WindowAlignment string

const (
	AlignmentRolling   WindowAlignment = "rolling"
	AlignmentWallClock WindowAlignment = "wall_clock"
)

type SummaryFormat string

const (
	SummaryText SummaryFormat = "text"
	SummaryJSON SummaryFormat = "json"
	SummaryYAML SummaryFormat = "yaml"
)

type Config struct {
	Role              Role            `mapstructure:"role"`
	Enabled           bool            `mapstructure:"enabled"`
	WindowInterval    time.Duration   `mapstructure:"window_interval_seconds"`
	WindowAlignment   WindowAlignment `mapstructure:"window_alignment"`
	MaxBatchSize      int             `mapstructure:"max_batch_size"`
	MaxCallsPerSecond float64         `mapstructure:"max_calls_per_second"`
	MaxRetries        int             `mapstructure:"max_retries"`
	MaxPendingBatches int             `mapstructure:"max_pending_batches"`
	DrainTimeout      time.Duration   `mapstructure:"drain_timeout_seconds"`
	BackoffInitial    time.Duration   `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration   `mapstructure:"backoff_max"`
	SubmitTimeout     time.Duration   `mapstructure:"submit_timeout"`
	Backend           BackendConfig   `mapstructure:"backend"`
	Listen            string          `mapstructure:"listen"`
	MasterURL         string          `mapstructure:"master_url"`
	ClientID          string          `mapstructure:"client_id"`
	ReportInterval    time.Duration   `mapstructure:"report_interval"`
	StopOnEOF         bool            `mapstructure:"stop_on_eof"`
	Duration          time.Duration   `mapstructure:"duration"`
	LogLevel          string          `mapstructure:"log_level"`
	SummaryFormat     SummaryFormat   `mapstructure:"summary_format"`
	Progress          bool            `mapstructure:"progress"`
	Tracing           TracingConfig   `mapstructure:"tracing"`
	ConfigFile        string          `mapstructure:"-"`
}

type BackendConfig struct {
	Type       BackendType      `mapstructure:"type"`
	CloudWatch CloudWatchConfig `mapstructure:"cloudwatch"`
	HTTP       HTTPConfig       `mapstructure:"http"`
}

type CloudWatchConfig struct {
	Namespace string `mapstructure:"namespace"`
	Region    string `mapstructure:"region"`
	// Endpoint overrides the service endpoint (e.g. a local emulator).
	Endpoint string `mapstructure:"endpoint"`
}

type HTTPConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
}

// TracingConfig holds OpenTelemetry export settings. Tracing is enabled when an
// endpoint is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// ShouldPropagate defaults to true when tracing is enabled.
func (t TracingConfig) ShouldPropagate() bool {
	if !t.Enabled() {
		return false
	}
	if t.Propagate != nil {
		return *t.Propagate
	}
	return true
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Role:              RoleMaster,
		Enabled:           true,
		WindowInterval:    60 * time.Second,
		WindowAlignment:   AlignmentRolling,
		MaxBatchSize:      20,
		MaxCallsPerSecond: 150,
		MaxRetries:        3,
		MaxPendingBatches: 1000,
		DrainTimeout:      30 * time.Second,
		BackoffInitial:    200 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		SubmitTimeout:     10 * time.Second,
		Backend: BackendConfig{
			Type:       BackendStdout,
			CloudWatch: CloudWatchConfig{Namespace: "Locust"},
			HTTP:       HTTPConfig{Headers: map[string]string{}},
		},
		Listen:         ":8089",
		ReportInterval: 3 * time.Second,
		LogLevel:       "info",
		SummaryFormat:  SummaryText,
		Tracing:        TracingConfig{Protocol: "grpc", SampleRate: 1.0},
	}
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	switch c.Role {
	case RoleMaster, RoleWorker:
	default:
		issues = append(issues, fmt.Sprintf("role must be master or worker, got %q", c.Role))
	}

	if c.WindowInterval <= 0 {
		issues = append(issues, "window interval must be positive")
	}
	switch c.WindowAlignment {
	case AlignmentRolling, AlignmentWallClock:
	default:
		issues = append(issues, fmt.Sprintf("window alignment must be rolling or wall_clock, got %q", c.WindowAlignment))
	}
	if c.MaxBatchSize <= 0 {
		issues = append(issues, "max batch size must be positive")
	}
	if c.MaxCallsPerSecond < 0 {
		issues = append(issues, "max calls per second must be non-negative")
	}
	if c.MaxRetries < 0 {
		issues = append(issues, "max retries must be non-negative")
	}
	if c.MaxPendingBatches <= 0 {
		issues = append(issues, "max pending batches must be positive")
	}
	if c.DrainTimeout <= 0 {
		issues = append(issues, "drain timeout must be positive")
	}
	if c.BackoffInitial <= 0 {
		issues = append(issues, "backoff initial must be positive")
	}
	if c.BackoffMax < c.BackoffInitial {
		issues = append(issues, "backoff max must be at least backoff initial")
	}
	if c.SubmitTimeout <= 0 {
		issues = append(issues, "submit timeout must be positive")
	}
	if c.Duration < 0 {
		issues = append(issues, "duration must be non-negative")
	}

	issues = append(issues, validateBackend(c.Backend)...)

	if c.Role == RoleWorker {
		if strings.TrimSpace(c.MasterURL) == "" {
			issues = append(issues, "worker role requires a master URL")
		} else if u, err := url.Parse(c.MasterURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			issues = append(issues, fmt.Sprintf("master URL must use ws:// or wss://, got %q", c.MasterURL))
		}
		if c.ReportInterval <= 0 {
			issues = append(issues, "report interval must be positive")
		}
	} else if strings.TrimSpace(c.Listen) == "" {
		issues = append(issues, "master role requires a listen address")
	}

	switch c.SummaryFormat {
	case SummaryText, SummaryJSON, SummaryYAML:
	default:
		issues = append(issues, fmt.Sprintf("summary format must be text, json or yaml, got %q", c.SummaryFormat))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing sample rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateBackend(b BackendConfig) []string {
	var issues []string
	switch b.Type {
	case BackendCloudWatch:
		if strings.TrimSpace(b.CloudWatch.Namespace) == "" {
			issues = append(issues, "cloudwatch backend requires a namespace")
		}
		if strings.HasPrefix(b.CloudWatch.Namespace, "AWS/") {
			issues = append(issues, "cloudwatch namespace must not start with AWS/")
		}
	case BackendHTTP:
		endpoint := strings.TrimSpace(b.HTTP.Endpoint)
		if endpoint == "" {
			issues = append(issues, "http backend requires an endpoint")
		} else if u, err := url.Parse(endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			issues = append(issues, fmt.Sprintf("http backend endpoint must be an http(s) URL, got %q", endpoint))
		}
		for key := range b.HTTP.Headers {
			if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "\r\n") {
				issues = append(issues, fmt.Sprintf("invalid http backend header %q", key))
			}
		}
	case BackendStdout:
	default:
		issues = append(issues, fmt.Sprintf("backend must be cloudwatch, http or stdout, got %q", b.Type))
	}
	return issues
}
