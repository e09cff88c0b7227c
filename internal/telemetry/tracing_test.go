package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewTracerProviderRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(), Config{ServiceName: "audit-test", Version: "1.2.3"},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "analyze")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "analyze", ended[0].Name())

	attrs := ended[0].Resource().Attributes()
	assert.Contains(t, attrs, semconv.ServiceName("audit-test"))
	assert.Contains(t, attrs, semconv.ServiceVersion("1.2.3"))
}

func TestNewTracerProviderDefaultsServiceName(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(), Config{SampleRatio: 1}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "attempt")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Contains(t, recorder.Ended()[0].Resource().Attributes(), semconv.ServiceName("pagespeed-audit"))
}

func TestNewTracerProviderZeroRatioStillSamples(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(), Config{}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "root")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestLogExporterWritesSpans(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	exporter := NewLogExporter(zap.New(core))
	tp, err := NewTracerProvider(context.Background(), Config{}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "analyzer.Analyze",
		trace.WithAttributes(attribute.String("audit.url", "https://example.com/")))
	_, child := tp.Tracer("test").Start(ctx, "analyzer.attempt")
	child.End()
	parent.End()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "analyzer.attempt", entries[0].Message)
	assert.Contains(t, entries[0].ContextMap(), "parent_id")
	assert.Equal(t, "analyzer.Analyze", entries[1].Message)
	assert.Equal(t, "https://example.com/", entries[1].ContextMap()["audit.url"])

	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
}
