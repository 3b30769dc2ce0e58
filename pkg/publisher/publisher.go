// Package publisher streams processed traces to Kafka, one message per trace.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ethpandaops/trace-processor/pkg/common"
	"github.com/ethpandaops/trace-processor/pkg/telemetry"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

const tracerName = "trace-processor/publisher"

// Publisher delivers the traces of one chain.
type Publisher interface {
	Publish(ctx context.Context, chainID int32, network string, traces []trace.Trace) error
	Close() error
}

// New returns a Kafka publisher, or a Noop one when no brokers are set.
func New(log logrus.FieldLogger, config *Config) (Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}

	if !config.Enabled() {
		log.WithField("component", "publisher").Info("No kafka brokers configured, trace publishing disabled")

		return Noop{}, nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return newKafka(log, writer, config.TopicPrefix), nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes every trace as JSON to {prefix}-{chainID}.
type Kafka struct {
	log    logrus.FieldLogger
	writer messageWriter
	prefix string
}

func newKafka(log logrus.FieldLogger, writer messageWriter, prefix string) *Kafka {
	return &Kafka{
		log:    log.WithField("component", "publisher"),
		writer: writer,
		prefix: prefix,
	}
}

// Topic returns the topic for chainID.
func (k *Kafka) Topic(chainID int32) string {
	return fmt.Sprintf("%s-%d", k.prefix, chainID)
}

// MessageKey is "{transactionHash}:{traceAddress}". Rewards have no
// transaction and are keyed by block and position instead.
func MessageKey(t *trace.Trace) string {
	if t.TransactionHash == "" {
		return fmt.Sprintf("%d:reward:%d", t.BlockNumber, t.TraceIndex)
	}

	return fmt.Sprintf("%s:%s", t.TransactionHash, t.AddressKey())
}

// Publish writes traces in one batch. Each message gets a producer span whose
// context travels in the message headers.
func (k *Kafka) Publish(ctx context.Context, chainID int32, network string, traces []trace.Trace) error {
	if len(traces) == 0 {
		return nil
	}

	topic := k.Topic(chainID)
	tracer := otel.Tracer(tracerName)

	messages := make([]kafka.Message, 0, len(traces))
	spans := make([]oteltrace.Span, 0, len(traces))

	endAll := func(err error) {
		for _, span := range spans {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			span.End()
		}
	}

	for i := range traces {
		t := &traces[i]

		spanCtx, span := tracer.Start(ctx, "traces.publish", oteltrace.WithSpanKind(oteltrace.SpanKindProducer))
		span.SetAttributes(
			attribute.Int64("chain.id", int64(chainID)),
			attribute.Int64("block.number", int64(t.BlockNumber)), //nolint:gosec // block numbers fit in int64
			attribute.String("tx.hash", string(t.TransactionHash)),
			attribute.String("trace.address", t.AddressKey()),
			attribute.String("messaging.destination.name", topic),
		)

		spans = append(spans, span)

		value, err := json.Marshal(t)
		if err != nil {
			endAll(err)

			return fmt.Errorf("failed to encode trace: %w", err)
		}

		headers := make([]kafka.Header, 0, 2)
		telemetry.InjectKafkaHeaders(spanCtx, &headers)

		messages = append(messages, kafka.Message{
			Topic:   topic,
			Key:     []byte(MessageKey(t)),
			Value:   value,
			Headers: headers,
		})
	}

	err := k.writer.WriteMessages(ctx, messages...)
	endAll(err)

	status := "success"
	if err != nil {
		status = "failed"
	}

	common.TracesPublished.WithLabelValues(network, topic, status).Add(float64(len(messages)))

	if err != nil {
		return fmt.Errorf("failed to publish %d traces to %s: %w", len(messages), topic, err)
	}

	k.log.WithFields(logrus.Fields{
		"topic":  topic,
		"traces": len(messages),
	}).Debug("Published traces")

	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Noop discards traces.
type Noop struct{}

func (Noop) Publish(context.Context, int32, string, []trace.Trace) error { return nil }

func (Noop) Close() error { return nil }
