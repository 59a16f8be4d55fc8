package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := Tracer
	Tracer = tp.Tracer("test")
	t.Cleanup(func() {
		Tracer = prev
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "carelink-test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	_, err := InitTracing(TracingConfig{ServiceName: "carelink-test", Enabled: true, Exporter: "zipkin"})
	assert.ErrorContains(t, err, "zipkin")
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Contains(t, samplerFor(0.25).Description(), "ParentBased")
}

func TestSpan_SetErrorAndNilSafety(t *testing.T) {
	rec := useRecorder(t)

	span, _ := NewSpan(context.Background(), "consent.step.record_consent")
	span.SetError(errors.New("db down"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "consent.step.record_consent", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	var nilSpan *Span
	assert.NotPanics(t, func() {
		nilSpan.SetError(errors.New("x"))
		nilSpan.End()
	})
}

func TestTraceRepositoryMethod(t *testing.T) {
	rec := useRecorder(t)

	ctx, span := TraceRepositoryMethod(context.Background(), "CreateIfAbsent", "roster_memberships")
	RecordErrorInContext(ctx, errors.New("conflict"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "repository.CreateIfAbsent", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}
