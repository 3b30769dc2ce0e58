package telemetry

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), &Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
}

func TestInitTracer_WithEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), &Config{
		Endpoint:    "localhost:4318",
		ServiceName: "trace-processor-test",
		Insecure:    true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_ = shutdown(ctx)

		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	_, span := otel.Tracer("test").Start(context.Background(), "real")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
}

func testSpanContext(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestKafkaHeaders_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := testSpanContext(t)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := []kafka.Header{{Key: "source", Value: []byte("traces")}}
	InjectKafkaHeaders(ctx, &headers)

	require.Len(t, headers, 2)
	assert.Equal(t, "source", headers[0].Key)
	assert.Equal(t, "traceparent", headers[1].Key)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(headers[1].Value))

	extracted := trace.SpanContextFromContext(ExtractKafkaHeaders(context.Background(), headers))
	assert.Equal(t, sc.TraceID(), extracted.TraceID())
	assert.Equal(t, sc.SpanID(), extracted.SpanID())
	assert.True(t, extracted.IsRemote())
}

func TestKafkaHeaderCarrier(t *testing.T) {
	c := &kafkaHeaderCarrier{headers: []kafka.Header{{Key: "TraceParent", Value: []byte("old")}}}

	c.Set("traceparent", "new")
	c.Set("tracestate", "k=v")

	assert.Equal(t, "new", c.Get("TRACEPARENT"))
	assert.Equal(t, "k=v", c.Get("tracestate"))
	assert.Empty(t, c.Get("missing"))
	assert.Equal(t, []string{"TraceParent", "tracestate"}, c.Keys())
}
