package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/greenride/internal/ride/domain"
)

// Publisher writes ride events straight to a NATS subject. It is used when
// rides are kept in memory and there is no outbox table to relay from.
type Publisher struct {
	conn    natsConn
	subject string
}

type natsConn interface {
	PublishMsg(msg *nats.Msg) error
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if conn == nil {
		return &Publisher{subject: subject}
	}
	return &Publisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.RideEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		msg.Header.Set("x-trace-id", traceID)
	}
	return p.conn.PublishMsg(msg)
}

// TraceIDFromContext returns the hex trace id of the active span, if any.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
