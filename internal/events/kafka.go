package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/wager-engine/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes event envelopes to a topic, keyed by bet id so all
// events of one bet land on the same partition in order.
type KafkaPublisher struct {
	w MessageWriter
}

// NewKafkaWriter builds a writer that keys partitions by message key.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Bet()),
		Value: b,
		Time:  e.At(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Kind())},
		},
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("kafka publish %s: %w", e.Kind(), err)
	}
	metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
	return nil
}
