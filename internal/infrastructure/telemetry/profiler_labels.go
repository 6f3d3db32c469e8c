package telemetry

import (
	"context"
	"sort"
	"strings"

	"github.com/grafana/pyroscope-go"
)

// Profiling label keys.
const (
	ProfilingLabelOperation = "operation"
	ProfilingLabelPlatform  = "platform"
	ProfilingLabelTrigger   = "trigger"
	ProfilingLabelRoute     = "route"
	ProfilingLabelMethod    = "method"
)

// MaxLabelValueLength bounds label values to keep cardinality in check.
const MaxLabelValueLength = 128

// highCardinalityLabels are never attached to profiles.
var highCardinalityLabels = map[string]bool{
	"integration_id": true,
	"tenant_id":      true,
	"request_id":     true,
	"run_id":         true,
	"trace_id":       true,
	"span_id":        true,
}

// WithProfilingLabels runs fn with the given pprof labels so Pyroscope can
// slice CPU time by platform and operation.
func WithProfilingLabels(ctx context.Context, labels map[string]string, fn func(context.Context)) {
	pairs := sanitizeLabels(labels)
	if len(pairs) == 0 {
		fn(ctx)
		return
	}
	pyroscope.TagWrapper(ctx, pyroscope.Labels(pairs...), fn)
}

// SyncRunLabels are the labels attached to a sync run.
func SyncRunLabels(platform, trigger string) map[string]string {
	return map[string]string{
		ProfilingLabelOperation: "sync",
		ProfilingLabelPlatform:  strings.ToLower(platform),
		ProfilingLabelTrigger:   trigger,
	}
}

// HTTPLabels are the labels attached to an API request. route is the
// pattern, never the concrete path.
func HTTPLabels(method, route string) map[string]string {
	return map[string]string{
		ProfilingLabelOperation: "http",
		ProfilingLabelMethod:    method,
		ProfilingLabelRoute:     route,
	}
}

// sanitizeLabels drops empty and high-cardinality labels, truncates long
// values and returns key/value pairs sorted by key.
func sanitizeLabels(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}

	clean := make(map[string]string, len(labels))
	for key, value := range labels {
		k := sanitizeLabelKey(key)
		if k == "" || value == "" || highCardinalityLabels[k] {
			continue
		}
		if len(value) > MaxLabelValueLength {
			value = value[:MaxLabelValueLength]
		}
		clean[k] = value
	}

	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, clean[k])
	}
	return pairs
}

// sanitizeLabelKey lowercases key and keeps only [a-z0-9_].
func sanitizeLabelKey(key string) string {
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(key))
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
