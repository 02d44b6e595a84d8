package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/greenride/internal/ride/domain"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes ride events to a Kafka topic keyed by ride id, so
// events of one ride keep their order within a partition.
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

// Publish satisfies domain.EventPublisher.
func (k *KafkaPublisher) Publish(ctx context.Context, event domain.RideEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	headers := []kafka.Header{{Key: "x-event-type", Value: []byte(event.Type)}}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		headers = append(headers, kafka.Header{Key: "x-trace-id", Value: []byte(traceID)})
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(event.RideID.String()),
		Value:   payload,
		Headers: headers,
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Fanout publishes each event to every sink and joins their errors.
type Fanout []domain.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.RideEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
