package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
)

// DefaultRatingCacheTTL is how long an average rating is served from Redis.
const DefaultRatingCacheTTL = 30 * time.Second

const unratedMarker = "none"

// CachedRatings fronts a RatingSource with a short-lived Redis cache so a
// matching request does not aggregate ratings once per candidate ride.
// Cache failures fall through to the source.
type CachedRatings struct {
	source domain.RatingSource
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ domain.RatingSource = (*CachedRatings)(nil)

// NewCachedRatings constructs the cache. Empty prefix defaults to "rating:avg:".
func NewCachedRatings(source domain.RatingSource, client redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *CachedRatings {
	if prefix == "" {
		prefix = "rating:avg:"
	}
	if ttl <= 0 {
		ttl = DefaultRatingCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedRatings{source: source, client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *CachedRatings) AverageRating(ctx context.Context, userID uuid.UUID) (float64, bool, error) {
	key := c.prefix + userID.String()
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if cached == unratedMarker {
			return 0, false, nil
		}
		if avg, perr := strconv.ParseFloat(cached, 64); perr == nil {
			return avg, true, nil
		}
		c.logger.Warn("discarding malformed cached rating", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rating cache read failed", zap.Error(err))
	}

	avg, ok, err := c.source.AverageRating(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	// A miss racing Invalidate may store the pre-rating average. It lives
	// at most ttl.
	value := unratedMarker
	if ok {
		value = strconv.FormatFloat(avg, 'f', -1, 64)
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("rating cache write failed", zap.Error(err))
	}
	return avg, ok, nil
}

// Invalidate drops the cached average for userID after a new rating.
func (c *CachedRatings) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return c.client.Del(ctx, c.prefix+userID.String()).Err()
}
