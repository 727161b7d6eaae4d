// ABOUTME: Tests for tracer provider setup
// ABOUTME: Covers the disabled no-op path and the OTLP-backed SDK provider

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-runstore/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	tp, shutdown, err := Setup(t.Context(), config.TracingConfig{})
	require.NoError(t, err)
	assert.IsType(t, noop.TracerProvider{}, tp)

	_, span := Tracer(tp).Start(t.Context(), "run")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, shutdown(t.Context()))
}

func TestSetup_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, shutdown, err := Setup(t.Context(), config.TracingConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		SampleRatio: 1,
	})
	require.NoError(t, err)
	require.IsType(t, &sdktrace.TracerProvider{}, tp)
	assert.Same(t, tp, otel.GetTracerProvider())

	_, span := Tracer(tp).Start(t.Context(), "run")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())

	// Nothing was ended, so the batcher has nothing to export on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}

func TestSetup_ZeroRatioDropsRoots(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, shutdown, err := Setup(t.Context(), config.TracingConfig{
		Enabled:  true,
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := Tracer(tp).Start(t.Context(), "run")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}
