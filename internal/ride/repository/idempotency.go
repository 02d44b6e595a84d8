package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/greenride/internal/ride/domain"
)

// DefaultIdempotencyTTL bounds how long a replayable response is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

type storedResponse struct {
	payload []byte
	expires time.Time
}

// MemoryIdempotencyRepo stores responses keyed by idempotency key.
type MemoryIdempotencyRepo struct {
	mu        sync.Mutex
	responses map[string]storedResponse
	ttl       time.Duration
	clock     domain.Clock
}

var _ domain.IdempotencyRepository = (*MemoryIdempotencyRepo)(nil)

// NewMemoryIdempotencyRepo constructs repository. A zero ttl uses DefaultIdempotencyTTL.
func NewMemoryIdempotencyRepo(ttl time.Duration, clock domain.Clock) *MemoryIdempotencyRepo {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryIdempotencyRepo{responses: make(map[string]storedResponse), ttl: ttl, clock: clock}
}

// GetResponse retrieves cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(value.expires) {
		delete(m.responses, key)
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

// PutResponse stores response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = storedResponse{
		payload: append([]byte(nil), payload...),
		expires: m.clock.Now().Add(m.ttl),
	}
	return nil
}

// RedisIdempotencyRepo keeps responses in Redis so replays survive restarts
// and are shared between replicas.
type RedisIdempotencyRepo struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ domain.IdempotencyRepository = (*RedisIdempotencyRepo)(nil)

// NewRedisIdempotencyRepo constructs repository. Empty prefix defaults to "idem:".
func NewRedisIdempotencyRepo(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyRepo {
	if prefix == "" {
		prefix = "idem:"
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyRepo{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency key: %w", err)
	}
	return payload, true, nil
}

// PutResponse keeps the first stored response; later writes for the same key are ignored.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	return nil
}
