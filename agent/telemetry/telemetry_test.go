package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestNoopLogger(_ *testing.T) {
	ctx := context.Background()
	logger := NewNoopLogger()

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestNoopMetrics(_ *testing.T) {
	metrics := NewNoopMetrics()

	metrics.IncCounter("agent_created_total", 1.0, "env", "test")
	metrics.RecordTimer("agent_step_duration", 100*time.Millisecond, "env", "test")
	metrics.RecordGauge("agent_queue_depth", 42.0, "env", "test")
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "agent.step")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.AddEvent("tool.start", "name", "read_file")
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("boom"))
	span.End()

	require.NotNil(t, tracer.Span(ctx))
}

func TestFielders(t *testing.T) {
	out := fielders("agent resumed", []any{"agent", "a1", 7, "skipped", "strategy"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "agent resumed"},
		log.KV{K: "agent", V: "a1"},
		log.KV{K: "strategy", V: nil},
	}, out)
}

func TestTagAttrs(t *testing.T) {
	require.Nil(t, tagAttrs(nil))
	require.Equal(t, []attribute.KeyValue{
		attribute.String("env", "prod"),
		attribute.String("region", ""),
	}, tagAttrs([]string{"env", "prod", "region"}))
}

func TestKVAttrs(t *testing.T) {
	out := kvAttrs([]any{
		"s", "v",
		"i", 42,
		"i64", int64(7),
		"f", 1.5,
		"b", true,
		"other", struct{}{},
		5, "non-string key skipped",
	})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 42),
		attribute.Int64("i64", 7),
		attribute.Float64("f", 1.5),
		attribute.Bool("b", true),
		attribute.String("other", "{}"),
	}, out)
}
