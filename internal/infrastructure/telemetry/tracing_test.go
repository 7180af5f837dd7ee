package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// setupTestTracer installs a recording tracer provider for the test.
func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracerProvider_DisabledConfig(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, tp.IsEnabled())
	assert.NotNil(t, tp.Tracer("test"))
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSamplerFor_Descriptions(t *testing.T) {
	assert.Contains(t, samplerFor(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased")
}

func TestStartSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "sync.run",
		WithAttribute(SpanAttrRunID, "run-1"),
		WithAttribute(SpanAttrPage, 3),
		WithSpanKind(trace.SpanKindClient),
	)
	assert.NotEmpty(t, GetTraceID(ctx))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync.run", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, TracerName, spans[0].InstrumentationScope().Name)

	v, ok := attrValue(spans[0].Attributes(), SpanAttrRunID)
	require.True(t, ok)
	assert.Equal(t, "run-1", v.AsString())
	v, ok = attrValue(spans[0].Attributes(), SpanAttrPage)
	require.True(t, ok)
	assert.Equal(t, int64(3), v.AsInt64())
}

func TestStartServiceSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartServiceSpan(context.Background(), "OrderLifecycleService", "Acknowledge")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "OrderLifecycleService.Acknowledge", spans[0].Name())
	assert.Equal(t, trace.SpanKindInternal, spans[0].SpanKind())
}

func TestSetAttributesAndEvents(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "upsert")
	SetAttributes(span, SpanAttrAccount, "A", "ignored", 1.5, 42, "dangling")
	AddEvent(span, "conflict", SpanAttrResource, "products", "retried", true)
	RecordError(span, errors.New("version conflict"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	s := spans[0]

	v, ok := attrValue(s.Attributes(), SpanAttrAccount)
	require.True(t, ok)
	assert.Equal(t, "A", v.AsString())
	v, ok = attrValue(s.Attributes(), "ignored")
	require.True(t, ok)
	assert.Equal(t, 1.5, v.AsFloat64())

	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "version conflict", s.Status().Description)

	var names []string
	for _, e := range s.Events() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"conflict", "exception"}, names)
}

func TestTracingHelpers_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		SetAttributes(nil, "k", "v")
		AddEvent(nil, "event")
		RecordError(nil, errors.New("boom"))
	})
	assert.Empty(t, GetTraceID(context.Background()))
}

type stringerID string

func (s stringerID) String() string { return "id:" + string(s) }

func TestToAttribute(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  attribute.Value
	}{
		{"string", "x", attribute.StringValue("x")},
		{"int", 7, attribute.IntValue(7)},
		{"int64", int64(8), attribute.Int64Value(8)},
		{"float64", 0.5, attribute.Float64Value(0.5)},
		{"bool", true, attribute.BoolValue(true)},
		{"slice", []string{"a", "b"}, attribute.StringSliceValue([]string{"a", "b"})},
		{"stringer", stringerID("7"), attribute.StringValue("id:7")},
		{"fallback", struct{ N int }{3}, attribute.StringValue("{3}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toAttribute("k", tt.value).Value)
		})
	}
}
