package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "qtrader")

	logger.Info("hidden")
	logger.Warn("shown", "k", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "qtrader", rec["service"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger_AddsSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "qtrader").WithGroup("episode")

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "episode")
	logger.InfoContext(ctx, "inside span")
	span.End()

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "qtrader", rec["service"])
	group, ok := rec["episode"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, span.SpanContext().TraceID().String(), group["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), group["span_id"])
}

func TestNewLogger_NoSpanNoIDs(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "info", "qtrader").Info("outside")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "trace_id")
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	tracer, shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "qtrader"}, slog.Default())
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()

	a.ActionsTotal.WithLabelValues("BUY").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ActionsTotal.WithLabelValues("BUY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ActionsTotal.WithLabelValues("BUY")))
}
