package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func TestTraceRecordsAttributesAndStatus(t *testing.T) {
	rec := recordSpans(t)

	err := Trace(context.Background(), "sync.batch", func(_ context.Context, span *Span) error {
		span.SetAttribute("batch.number", 3)
		span.SetAttribute("batch.size", int64(1000))
		span.SetAttribute("retry", true)
		return nil
	})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync.batch", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Int("batch.number", 3))
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("batch.size", 1000))
}

func TestTraceRecordsError(t *testing.T) {
	rec := recordSpans(t)

	boom := errors.New("boom")
	err := Trace(context.Background(), "sync.run", func(context.Context, *Span) error { return boom })
	assert.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}
