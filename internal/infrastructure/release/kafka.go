package release

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaHook struct {
	producer Producer
	topic    string
	now      func() time.Time
}

// NewKafkaHook publishes an OrderExpired event keyed by order id, so every
// release for one order lands on the same partition.
func NewKafkaHook(producer Producer, topic string) Hook {
	return &kafkaHook{producer: producer, topic: topic, now: time.Now}
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (h *kafkaHook) OnOrderExpired(ctx context.Context, orderID uuid.UUID) error {
	payload, err := newEvent(orderID, h.now())
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: h.topic,
		Key:   []byte(orderID.String()),
		Value: payload,
		Headers: injectTrace(ctx, []kafka.Header{
			{Key: "event_type", Value: []byte(EventOrderExpired)},
		}),
	}
	if err := h.producer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka release %s: %w", orderID, err)
	}
	return nil
}

// injectTrace carries the reconciliation span to the consumer as a traceparent header.
func injectTrace(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
