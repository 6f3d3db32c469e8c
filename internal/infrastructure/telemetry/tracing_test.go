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

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value
	}
	return m
}

func TestStartServiceSpan(t *testing.T) {
	sr := installRecorder(t)

	ctx, span := StartServiceSpan(context.Background(), "sync", "run",
		WithAttribute(SpanAttrPlatform, "STRIPE"),
		WithSpanKind(trace.SpanKindInternal),
	)
	assert.NotEmpty(t, GetTraceID(ctx))

	SetAttributes(span, SpanAttrFetched, 10, SpanAttrFailed, int64(1), 42, "ignored")
	SetAttribute(span, SpanAttrTrigger, "manual")
	AddEvent(span, "lock.acquired", "key", "sync:abc")
	RecordError(span, errors.New("connection refused"))
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync.run", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "STRIPE", attrs[SpanAttrPlatform].AsString())
	assert.Equal(t, int64(10), attrs[SpanAttrFetched].AsInt64())
	assert.Equal(t, "manual", attrs[SpanAttrTrigger].AsString())
	require.Len(t, spans[0].Events(), 2) // lock.acquired and the exception event
}

func TestSetOK(t *testing.T) {
	sr := installRecorder(t)
	_, span := StartSpan(context.Background(), "ok")
	SetOK(span)
	span.End()
	assert.Equal(t, codes.Ok, sr.Ended()[0].Status().Code)

	SetOK(nil)
	RecordError(nil, errors.New("x"))
	SetAttributes(nil, "k", "v")
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

type stringerID string

func (s stringerID) String() string { return "id-" + string(s) }

func TestToAttribute(t *testing.T) {
	tests := []struct {
		value any
		want  attribute.Type
	}{
		{"s", attribute.STRING},
		{1, attribute.INT64},
		{int64(1), attribute.INT64},
		{1.5, attribute.FLOAT64},
		{true, attribute.BOOL},
		{[]string{"a"}, attribute.STRINGSLICE},
		{[]int64{1}, attribute.INT64SLICE},
		{stringerID("x"), attribute.STRING},
		{struct{}{}, attribute.STRING},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toAttribute("k", tt.value).Value.Type())
	}
	assert.Equal(t, "id-x", toAttribute("k", stringerID("x")).Value.AsString())
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased")
}

func TestProviders_Disabled(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	tp, err := NewTracerProvider(ctx, Config{Enabled: false}, log)
	require.NoError(t, err)
	assert.False(t, tp.IsEnabled())
	assert.NotNil(t, tp.Tracer("x"))
	require.NoError(t, tp.EnableSpanProfiles())
	assert.False(t, tp.IsSpanProfilesEnabled())
	assert.NoError(t, tp.ForceFlush(ctx))
	assert.NoError(t, tp.Shutdown(ctx))

	mp, err := NewMeterProvider(ctx, MetricsConfig{Enabled: false}, log)
	require.NoError(t, err)
	assert.False(t, mp.IsEnabled())
	assert.NotNil(t, mp.Meter("x"))
	assert.NoError(t, mp.Shutdown(ctx))

	lp, err := NewLoggerProvider(ctx, LogsConfig{Enabled: false}, log)
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())
	assert.NoError(t, lp.Shutdown(ctx))
}
