package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
)

var creditsAwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "credits_awarded_total",
	Help: "Green credits awarded for completed rides, by participant role.",
}, []string{"role"})

// Consumer awards green credits when ride completion events arrive.
type Consumer struct {
	ledger  Ledger
	logger  *zap.Logger
	tracer  trace.Tracer
	amount  int64
	timeout time.Duration
}

// NewConsumer builds a consumer crediting RideCredits per completed request.
func NewConsumer(ledger Ledger, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		ledger:  ledger,
		logger:  logger,
		tracer:  otel.Tracer("credits.consumer"),
		amount:  RideCredits,
		timeout: 5 * time.Second,
	}
}

// Subscribe attaches the consumer to subject as part of queue group so that
// each event is handled by one replica.
func (c *Consumer) Subscribe(conn *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	return conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Handle(ctx, msg.Data); err != nil {
			c.logger.Error("credit award failed", zap.Error(err), zap.String("event_type", msg.Header.Get("x-event-type")))
		}
	})
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RunKafka consumes ride events from a Kafka consumer group until ctx is
// cancelled. Offsets are committed after handling; events that fail are
// logged and skipped.
func (c *Consumer) RunKafka(ctx context.Context, reader kafkaReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch ride event: %w", err)
		}
		handleCtx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := c.Handle(handleCtx, msg.Value); err != nil {
			c.logger.Error("credit award failed", zap.Error(err), zap.Int64("offset", msg.Offset), zap.Int("partition", msg.Partition))
		}
		cancel()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("commit ride event: %w", err)
		}
	}
}

// Handle processes one encoded RideEvent. Only RideCompleted events earn
// credits: each completed traveler and the driver receive one award per
// request. Replays of the same event are absorbed by the ledger.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	var event domain.RideEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if event.Type != domain.EventRideCompleted {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "credits.award")
	defer span.End()

	driverID, err := uuid.Parse(stringField(event.Payload, "driver_id"))
	if err != nil {
		return fmt.Errorf("event %s: driver_id: %w", event.RideID, err)
	}
	for _, raw := range listField(event.Payload, "travelers") {
		travelerID, err := uuid.Parse(raw)
		if err != nil {
			c.logger.Warn("skipping malformed traveler id", zap.String("ride_id", event.RideID.String()), zap.String("value", raw))
			continue
		}
		base := event.RideID.String() + ":" + travelerID.String()
		if err := c.award(ctx, base+":traveler", travelerID, "traveler"); err != nil {
			return err
		}
		if err := c.award(ctx, base+":driver", driverID, "driver"); err != nil {
			return err
		}
	}
	return nil
}

// Publish delivers an event in process, for deployments without a broker.
// It satisfies domain.EventPublisher.
func (c *Consumer) Publish(ctx context.Context, event domain.RideEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.Handle(ctx, data)
}

func (c *Consumer) award(ctx context.Context, key string, userID uuid.UUID, role string) error {
	added, err := c.ledger.AwardOnce(ctx, key, userID, c.amount)
	if err != nil {
		return err
	}
	if added {
		creditsAwardedTotal.WithLabelValues(role).Add(float64(c.amount))
	}
	return nil
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func listField(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
