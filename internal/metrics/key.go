package metrics

import (
	"sort"
	"strings"
)

const (
	pairSep = "\x1e"
	kvSep   = "\x1f"
)

// AggregationKey identifies one aggregated series within a window. Dimension sets are
// stored in canonical (sorted) form so two samples with the same dimensions in any
// order map to the same key, and the key stays comparable for use in maps.
type AggregationKey struct {
	Name       string
	dimensions string
}

// NewKey builds the key for a metric name and dimension set.
func NewKey(name string, dims map[string]string) AggregationKey {
	return AggregationKey{Name: name, dimensions: canonicalDimensions(dims)}
}

// KeyOf returns the aggregation key of a sample.
func KeyOf(s Sample) AggregationKey {
	return NewKey(s.Name, s.Dimensions)
}

// Dimensions decodes the key's dimension set into a fresh map.
func (k AggregationKey) Dimensions() map[string]string {
	out := map[string]string{}
	if k.dimensions == "" {
		return out
	}
	for _, pair := range strings.Split(k.dimensions, pairSep) {
		name, value, _ := strings.Cut(pair, kvSep)
		out[name] = value
	}
	return out
}

// String renders the key as name{k=v,...} for logs.
func (k AggregationKey) String() string {
	if k.dimensions == "" {
		return k.Name
	}
	pairs := strings.Split(k.dimensions, pairSep)
	for i, pair := range pairs {
		pairs[i] = strings.Replace(pair, kvSep, "=", 1)
	}
	return k.Name + "{" + strings.Join(pairs, ",") + "}"
}

func canonicalDimensions(dims map[string]string) string {
	if len(dims) == 0 {
		return ""
	}
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteString(pairSep)
		}
		sb.WriteString(name)
		sb.WriteString(kvSep)
		sb.WriteString(dims[name])
	}
	return sb.String()
}
