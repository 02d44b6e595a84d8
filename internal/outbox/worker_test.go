package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcnats "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/credits"
	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/repository"
)

type flakyPublisher struct {
	failFor int32
	calls   atomic.Int32
	last    *nats.Msg
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	f.calls.Add(1)
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	f.last = msg
	return nil
}

func TestBuildMessageLiftsEventType(t *testing.T) {
	rec := record{ID: 7, Topic: "ride.events", Payload: []byte(`{"type":"RideCompleted","ride_id":"x"}`)}
	msg, err := buildMessage(rec, trace.SpanContext{})
	require.NoError(t, err)
	require.Equal(t, "ride.events", msg.Subject)
	require.Equal(t, "RideCompleted", msg.Header.Get("x-event-type"))
	require.Equal(t, "7", msg.Header.Get("x-outbox-id"))
	require.Empty(t, msg.Header.Get("traceparent"))

	_, err = buildMessage(record{ID: 8, Payload: []byte(`{}`)}, trace.SpanContext{})
	require.Error(t, err)
}

func TestPublishWithRetryRecovers(t *testing.T) {
	pub := &flakyPublisher{failFor: 2}
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{RetryMax: 5, Backoff: time.Millisecond})
	w.publisher = pub

	err := w.publishWithRetry(context.Background(), record{ID: 1, Topic: "ride.events", Payload: []byte(`{"type":"RideOffered"}`)})
	require.NoError(t, err)
	require.EqualValues(t, 3, pub.calls.Load())
	require.Equal(t, "RideOffered", pub.last.Header.Get("x-event-type"))
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	pub := &flakyPublisher{failFor: 10}
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{RetryMax: 3, Backoff: time.Millisecond})
	w.publisher = pub

	err := w.publishWithRetry(context.Background(), record{ID: 1, Topic: "ride.events"})
	require.Error(t, err)
	require.EqualValues(t, 3, pub.calls.Load())
}

func TestRunRequiresDependencies(t *testing.T) {
	w := NewWorker(nil, nil, nil, WorkerConfig{})
	require.Error(t, w.Run(context.Background()))
}

func TestWorkerRelaysRideEventsToCredits(t *testing.T) {
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	ctx := context.Background()
	db := startPostgres(t, ctx)
	repo := repository.NewPostgresRepository(db, "ride.events")
	require.NoError(t, repo.Migrate(ctx))

	nc := startNATS(t, ctx)
	ledger := credits.NewMemoryLedger()
	consumer := credits.NewConsumer(ledger, zap.NewNop())
	sub, err := consumer.Subscribe(nc, "ride.events", "credits")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	driver, traveler := uuid.New(), uuid.New()
	require.NoError(t, repo.Publish(ctx, domain.RideEvent{
		RideID:    uuid.New(),
		Type:      domain.EventRideCompleted,
		Payload:   map[string]any{"driver_id": driver.String(), "travelers": []string{traveler.String()}},
		CreatedAt: time.Now().UTC(),
	}))

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = worker.Run(workerCtx) }()

	require.Eventually(t, func() bool {
		balance, err := ledger.Balance(ctx, traveler)
		return err == nil && balance == credits.RideCredits
	}, 15*time.Second, 100*time.Millisecond)

	balance, err := ledger.Balance(ctx, driver)
	require.NoError(t, err)
	require.EqualValues(t, credits.RideCredits, balance)
	assertAllPublished(t, ctx, db)
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	ctx := context.Background()
	db := startPostgres(t, ctx)
	repo := repository.NewPostgresRepository(db, "ride.events")
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Publish(ctx, domain.RideEvent{RideID: uuid.New(), Type: domain.EventRideOffered}))

	pub := &flakyPublisher{failFor: 3}
	worker := NewWorker(db, nil, zap.NewNop(), WorkerConfig{BatchSize: 5, RetryMax: 5, Backoff: 5 * time.Millisecond})
	worker.publisher = pub

	n, err := worker.processOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 4, pub.calls.Load())
	assertAllPublished(t, ctx, db)

	n, err = worker.processOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("greenride"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startNATS(t *testing.T, ctx context.Context) *nats.Conn {
	t.Helper()
	container, err := tcnats.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

func assertAllPublished(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	var pending int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published = false`).Scan(&pending))
	require.Zero(t, pending)
}
