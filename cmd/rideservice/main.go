package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/config"
	"github.com/example/greenride/internal/credits"
	"github.com/example/greenride/internal/notify"
	outboxworker "github.com/example/greenride/internal/outbox"
	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/grpcapi"
	"github.com/example/greenride/internal/ride/handler"
	"github.com/example/greenride/internal/ride/matching"
	"github.com/example/greenride/internal/ride/repository"
	rideservice "github.com/example/greenride/internal/ride/service"
	"github.com/example/greenride/pkg/observability"
	outboxpkg "github.com/example/greenride/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger("ride-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "ride-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.HealthCheck{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("rideservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var ledger credits.Ledger = credits.NewMemoryLedger()
	if redisClient != nil {
		ledger = credits.NewRedisLedger(redisClient, "")
	}
	consumer := credits.NewConsumer(ledger, logger.Named("credits"))
	hub := notify.NewHub(logger.Named("notify"))

	var kafkaPub *outboxpkg.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 && natsConn == nil && db == nil {
		kafkaPub = outboxpkg.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPub.Close()
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.CreditsQueue,
			Topic:   cfg.KafkaTopic,
		})
		defer reader.Close()
		go func() {
			if err := consumer.RunKafka(ctx, reader); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka credits consumer stopped", zap.Error(err))
			}
		}()
	}

	var (
		repo   domain.Repository
		events domain.EventPublisher
	)
	switch {
	case db != nil:
		pg := repository.NewPostgresRepository(db, cfg.EventSubject)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		repo, events = pg, pg
	case natsConn != nil:
		repo = repository.NewMemoryRepository()
		events = outboxpkg.NewPublisher(natsConn, cfg.EventSubject)
	case kafkaPub != nil:
		repo = repository.NewMemoryRepository()
		events = outboxpkg.Fanout{kafkaPub, hub}
	default:
		repo = repository.NewMemoryRepository()
		events = outboxpkg.Fanout{consumer, hub}
	}

	if natsConn != nil {
		sub, err := consumer.Subscribe(natsConn, cfg.EventSubject, cfg.CreditsQueue)
		if err != nil {
			logger.Fatal("subscribe ride events", zap.Error(err))
		}
		defer sub.Unsubscribe() //nolint:errcheck
		hubSub, err := hub.Subscribe(natsConn, cfg.EventSubject)
		if err != nil {
			logger.Fatal("subscribe notifications", zap.Error(err))
		}
		defer hubSub.Unsubscribe() //nolint:errcheck
	} else if db != nil {
		logger.Warn("ride events stay in the outbox until NATS is configured")
	}

	deps := rideservice.Dependencies{
		Repo:   repo,
		Events: events,
		Clock:  domain.SystemClock{},
		Logger: logger.Named("rides"),
	}
	var ratings domain.RatingSource = repo
	if redisClient != nil {
		cached := repository.NewCachedRatings(repo, redisClient, "", cfg.RatingCacheTTL, logger.Named("ratings"))
		ratings, deps.Ratings = cached, cached
		deps.Geo = matching.NewRedisGeoIndex(redisClient, "")
		deps.Idempotency = repository.NewRedisIdempotencyRepo(redisClient, "", repository.DefaultIdempotencyTTL)
	} else {
		deps.Idempotency = repository.NewMemoryIdempotencyRepo(repository.DefaultIdempotencyTTL, deps.Clock)
	}

	matcher, err := matching.NewMatcher(repo, repo, ratings, repo, deps.Clock, logger.Named("matcher"), matching.MatcherConfig{
		MaxResults: cfg.MatchMaxResults,
	})
	if err != nil {
		logger.Fatal("matcher", zap.Error(err))
	}
	deps.Matcher = matcher

	svc, err := rideservice.New(deps, rideservice.Config{
		MaxResults:     cfg.MatchMaxResults,
		NearbyRadiusKM: cfg.MatchRadiusKM,
	})
	if err != nil {
		logger.Fatal("ride service", zap.Error(err))
	}
	if n, err := svc.RebuildIndex(ctx); err != nil {
		logger.Warn("proximity index rebuild failed", zap.Error(err))
	} else {
		logger.Info("proximity index rebuilt", zap.Int("rides", n))
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := svc.RunExpirySweeper(ctx, cfg.ExpirySweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("expiry sweeper stopped", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.With(auth.Middleware(cfg.JWTSecret)).Get("/v1/events/ws", hub.ServeWS)
	r.Mount("/", handler.NewHTTP(svc, ledger, cfg.JWTSecret, logger.Named("http")).Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ride service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	grpcSrv := grpc.NewServer(grpcapi.ServerCodec(), grpc.UnaryInterceptor(grpcapi.UnaryAuthInterceptor(cfg.JWTSecret)))
	grpcapi.RegisterMatchingServer(grpcSrv, grpcapi.NewServer(svc, logger.Named("grpc")))
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		logger.Info("matching grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
}
