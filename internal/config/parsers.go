// Package config loads the exporter configuration from flags, environment and config files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// lookupSetting returns the first of the candidate keys present in settings. Keys from
// config files are lowercased before they get here, so candidates match either way.
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

func asString(value interface{}) (string, error) {
	return cast.ToStringE(value)
}

// blank reports a nil value or a whitespace-only string, which every setting treats
// as its zero value.
func blank(value interface{}) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func trimmed(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}

// asInt reads counts such as max_batch_size and max_pending_batches.
func asInt(value interface{}) (int, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToIntE(trimmed(value))
}

// asFloat64 reads rates such as max_calls_per_second and the tracing sample rate.
func asFloat64(value interface{}) (float64, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToFloat64E(trimmed(value))
}

func asBool(value interface{}) (bool, error) {
	if blank(value) {
		return false, nil
	}
	return cast.ToBoolE(trimmed(value))
}

// asDuration reads intervals and timeouts. Bare numbers, quoted or not, are seconds so
// window_interval_seconds and drain_timeout_seconds keep their unit; anything else must
// be a Go duration such as "90s" or "1m30s".
func asDuration(value interface{}) (time.Duration, error) {
	if blank(value) {
		return 0, nil
	}
	value = trimmed(value)
	if d, ok := value.(time.Duration); ok {
		return d, nil
	}
	if secs, err := cast.ToFloat64E(value); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	s, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("unsupported duration type %T", value)
	}
	return time.ParseDuration(s)
}

// asStringMap reads header maps. Empty keys are rejected.
func asStringMap(value interface{}) (map[string]string, error) {
	if value == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapStringE(value)
	if err != nil {
		return nil, err
	}
	for k := range m {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("map key cannot be empty")
		}
	}
	return m, nil
}

// toStringKeyMap normalizes a config section (JSON or YAML decoded) to lowercase keys.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	section, err := cast.ToStringMapE(value)
	if err != nil {
		return nil, fmt.Errorf("expected map, got %T", value)
	}
	result := make(map[string]interface{}, len(section))
	for key, val := range section {
		result[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return result, nil
}
