package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/example/greenride/internal/ride/domain"
)

type captureConn struct{ msgs []*nats.Msg }

func (c *captureConn) PublishMsg(msg *nats.Msg) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublisherWritesEventWithHeaders(t *testing.T) {
	conn := &captureConn{}
	pub := &Publisher{conn: conn, subject: "ride.events"}

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	evt := domain.RideEvent{RideID: uuid.New(), Type: domain.EventRideCompleted, Payload: map[string]any{"driver_id": "d"}}
	require.NoError(t, pub.Publish(ctx, evt))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	require.Equal(t, "ride.events", msg.Subject)
	require.Equal(t, string(domain.EventRideCompleted), msg.Header.Get("x-event-type"))
	require.Equal(t, span.SpanContext().TraceID().String(), msg.Header.Get("x-trace-id"))

	var decoded domain.RideEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, evt.RideID, decoded.RideID)
}

func TestPublisherWithoutConnectionIsNoop(t *testing.T) {
	require.NoError(t, NewPublisher(nil, "ride.events").Publish(context.Background(), domain.RideEvent{}))
	var nilPub *Publisher
	require.NoError(t, nilPub.Publish(context.Background(), domain.RideEvent{}))
	require.Empty(t, TraceIDFromContext(context.Background()))
}
