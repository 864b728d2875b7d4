package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"orderflow/internal/orders"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// errUndecodable marks payloads that will never parse.
var errUndecodable = errors.New("undecodable message")

// SagaEvents receives the integration events routed by the consumer.
type SagaEvents interface {
	OnStockChecked(ctx context.Context, event orders.StockCheckedIntegrationEvent) error
	OnOrderPaid(ctx context.Context, event orders.OrderPaidIntegrationEvent) error
}

// ConsumerConfig names the routed topics and how failures are handled.
type ConsumerConfig struct {
	StockCheckedTopic string
	OrderPaidTopic    string
	// DeadLetterTopic receives messages that failed permanently or ran out
	// of retries. Empty drops them after logging.
	DeadLetterTopic string
	Retry           orders.RetryPolicy
}

// Consumer feeds StockChecked and OrderPaid events into the saga. Offsets are
// committed once a message was applied, dead-lettered or dropped, so delivery
// is at-least-once and relies on the saga being idempotent.
type Consumer struct {
	reader   Reader
	events   SagaEvents
	cfg      ConsumerConfig
	dlq      Writer
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	backoff  time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithDeadLetterWriter(w Writer) ConsumerOption {
	return func(c *Consumer) { c.dlq = w }
}

func WithRecorder(r Recorder) ConsumerOption {
	return func(c *Consumer) {
		if r != nil {
			c.recorder = r
		}
	}
}

func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer constructs a Consumer. Messages that fail to decode are never
// retried; events for a saga not created yet are retried with backoff and
// parked once the attempts run out.
func NewConsumer(reader Reader, events SagaEvents, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = retryable
	}
	c := &Consumer{
		reader:   reader,
		events:   events,
		cfg:      cfg,
		recorder: noopRecorder{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the reader is closed. It returns an
// error only when a failed message could not be parked, leaving its offset
// uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("integration event consumer started",
		zap.String("stock_checked_topic", c.cfg.StockCheckedTopic),
		zap.String("order_paid_topic", c.cfg.OrderPaidTopic),
	)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Info("integration event consumer stopped")
				return nil
			}
			c.logger.Error("fetch message", zap.Error(err))
			if err := sleep(ctx, c.backoff); err != nil {
				return nil
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("commit message", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle applies one message. A nil return means the offset may be committed.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = extractTraceContext(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, msg.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	logger := c.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	err := c.cfg.Retry.Do(ctx, func() error {
		return c.route(ctx, msg)
	})
	if err == nil {
		c.recorder.MessageHandled(msg.Topic, ResultHandled)
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		c.recorder.MessageHandled(msg.Topic, ResultFailed)
		return ctx.Err()
	}

	if c.dlq == nil || c.cfg.DeadLetterTopic == "" {
		logger.Error("integration event dropped", zap.Error(err))
		c.recorder.MessageHandled(msg.Topic, ResultDropped)
		return nil
	}
	if dlqErr := c.deadLetter(ctx, msg, err); dlqErr != nil {
		c.recorder.MessageHandled(msg.Topic, ResultFailed)
		return fmt.Errorf("dead-letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
	}
	logger.Warn("integration event dead-lettered", zap.String("dead_letter_topic", c.cfg.DeadLetterTopic), zap.Error(err))
	c.recorder.MessageHandled(msg.Topic, ResultDeadLettered)
	return nil
}

func (c *Consumer) route(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case c.cfg.StockCheckedTopic:
		var event orders.StockCheckedIntegrationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		return c.events.OnStockChecked(ctx, event)
	case c.cfg.OrderPaidTopic:
		var event orders.OrderPaidIntegrationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		return c.events.OnOrderPaid(ctx, event)
	default:
		return fmt.Errorf("%w: unrouted topic %q", errUndecodable, msg.Topic)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq-source-topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq-source-partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "dlq-source-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "dlq-error", Value: []byte(cause.Error())},
	)
	return c.dlq.WriteMessages(ctx, kafka.Message{
		Topic:   c.cfg.DeadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

// retryable keeps retrying saga.ErrUnknownSaga: an outcome can overtake the
// start command that creates its saga.
func retryable(err error) bool {
	return !errors.Is(err, errUndecodable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
