package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"orderflow/internal/orders"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer forwards OrderCompleted events to a Kafka topic, keyed by order
// number so events for one order stay on one partition.
type Producer struct {
	writer Writer
	topic  string
	tracer trace.Tracer
}

// NewProducer constructs a Producer writing to topic.
func NewProducer(writer Writer, topic string) *Producer {
	return &Producer{writer: writer, topic: topic, tracer: otel.Tracer(tracerName)}
}

func (p *Producer) PublishOrderCompleted(ctx context.Context, event orders.OrderCompletedEvent) error {
	ctx, span := p.tracer.Start(ctx, p.topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.Int("order_number", event.OrderID),
		))
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(strconv.Itoa(event.OrderID)),
		Value:   payload,
		Headers: injectTraceContext(ctx, []kafka.Header{{Key: "event-type", Value: []byte("OrderCompleted")}}),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish order %d completed: %w", event.OrderID, err)
	}
	return nil
}
