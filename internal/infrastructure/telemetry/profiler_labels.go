package telemetry

import (
	"context"
	"sort"
	"strings"

	"github.com/grafana/pyroscope-go"
)

// Profiling label keys.
const (
	ProfilingLabelResource  = "resource"
	ProfilingLabelAccount   = "account"
	ProfilingLabelMode      = "mode"
	ProfilingLabelOperation = "operation"
	ProfilingLabelRoute     = "route"
)

// MaxLabelValueLength bounds label values.
const MaxLabelValueLength = 128

// HighCardinalityLabels are dropped from profiling labels. Do not modify at runtime.
var HighCardinalityLabels = map[string]bool{
	"run_id":         true,
	"order_id":       true,
	"remote_id":      true,
	"correlation_id": true,
	"trace_id":       true,
}

// WithProfilingLabels runs fn with Pyroscope labels attached to its goroutine,
// so CPU spent inside a sync run can be sliced by resource and account.
func WithProfilingLabels(ctx context.Context, labels map[string]string, fn func(context.Context)) {
	pairs := sanitizeLabels(labels)
	if len(pairs) == 0 {
		fn(ctx)
		return
	}
	pyroscope.TagWrapper(ctx, pyroscope.Labels(pairs...), fn)
}

// SyncRunLabels returns the labels of one account's portion of a sync run.
func SyncRunLabels(resource, account, mode string) map[string]string {
	labels := make(map[string]string, 4)
	labels[ProfilingLabelOperation] = "sync_run"
	if resource != "" {
		labels[ProfilingLabelResource] = resource
	}
	if account != "" {
		labels[ProfilingLabelAccount] = account
	}
	if mode != "" {
		labels[ProfilingLabelMode] = mode
	}
	return labels
}

// sanitizeLabels returns sorted key/value pairs without empty, high-cardinality
// or malformed keys, truncating long values.
func sanitizeLabels(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(labels)*2)
	for _, key := range keys {
		value := labels[key]
		clean := sanitizeLabelKey(key)
		if clean == "" || value == "" || HighCardinalityLabels[clean] {
			continue
		}
		if len(value) > MaxLabelValueLength {
			value = value[:MaxLabelValueLength]
		}
		pairs = append(pairs, clean, value)
	}
	return pairs
}

// sanitizeLabelKey lowercases key and keeps only [a-z0-9_].
func sanitizeLabelKey(key string) string {
	key = strings.ToLower(key)
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)

	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
