package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process settings read from the environment.
type Config struct {
	HTTPAddr     string
	GRPCAddr     string
	PostgresDSN  string
	RedisAddr    string
	NATSURL      string
	EventSubject string
	CreditsQueue string
	KafkaBrokers []string
	KafkaTopic   string
	JWTSecret    string
	LogLevel     string

	MatchMaxResults int
	MatchRadiusKM   float64

	RatingCacheTTL      time.Duration
	ExpirySweepInterval time.Duration

	OutboxPollInterval time.Duration
	OutboxBatch        int
	OutboxRetryMax     int

	RideServiceURL string
	GatewayAddr    string
	Rate           RateSettings
}

// RateSettings configures the gateway token buckets, per second.
type RateSettings struct {
	ReadRPS, ReadBurst   float64
	WriteRPS, WriteBurst float64
	MatchRPS, MatchBurst float64
}

// Load reads the environment. Every malformed variable is reported, joined
// into one error.
func Load() (Config, error) {
	p := &parser{}
	cfg := Config{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:     getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:  getenv("POSTGRES_DSN", os.Getenv("DATABASE_URL")),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		NATSURL:      os.Getenv("NATS_URL"),
		EventSubject: getenv("EVENTS_SUBJECT", "ride.events"),
		CreditsQueue: getenv("CREDITS_QUEUE", "credits"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getenv("KAFKA_TOPIC", "ride.events"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		LogLevel:     getenv("LOG_LEVEL", "info"),

		MatchMaxResults: p.intVar("MATCH_MAX_RESULTS", 5),
		MatchRadiusKM:   p.floatVar("MATCH_RADIUS_KM", 10),

		RatingCacheTTL:      p.durationVar("RATING_CACHE_TTL", 30*time.Second),
		ExpirySweepInterval: p.durationVar("EXPIRE_SWEEP_INTERVAL", time.Minute),

		OutboxPollInterval: time.Duration(p.intVar("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:        p.intVar("OUTBOX_BATCH", 100),
		OutboxRetryMax:     p.intVar("OUTBOX_RETRY_MAX", 3),

		RideServiceURL: getenv("RIDE_SERVICE_URL", "http://localhost:8080"),
		GatewayAddr:    getenv("GATEWAY_ADDR", ":8088"),
		Rate: RateSettings{
			ReadRPS:    p.floatVar("RATE_READ_RPS", 50),
			ReadBurst:  p.floatVar("RATE_READ_BURST", 100),
			WriteRPS:   p.floatVar("RATE_WRITE_RPS", 10),
			WriteBurst: p.floatVar("RATE_WRITE_BURST", 20),
			MatchRPS:   p.floatVar("RATE_MATCH_RPS", 5),
			MatchBurst: p.floatVar("RATE_MATCH_BURST", 10),
		},
	}
	if cfg.JWTSecret == "" {
		p.errs = append(p.errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.MatchMaxResults < 1 {
		p.errs = append(p.errs, fmt.Errorf("MATCH_MAX_RESULTS must be positive, got %d", cfg.MatchMaxResults))
	}
	return cfg, errors.Join(p.errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type parser struct {
	errs []error
}

func (p *parser) intVar(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func (p *parser) floatVar(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func (p *parser) durationVar(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}
