package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/greenride/internal/ride/domain"
)

// GeoIndex stores ride start points for radius queries.
type GeoIndex interface {
	Add(ctx context.Context, rideID uuid.UUID, point domain.GeoPoint) error
	Remove(ctx context.Context, rideID uuid.UUID) error
	// Nearby returns rides within radiusKM of point, closest first.
	Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]NearbyRide, error)
}

// NearbyRide is a geo index hit.
type NearbyRide struct {
	RideID     uuid.UUID
	DistanceKM float64
}

var errInvalidGeoResult = errors.New("invalid geo search result")

const defaultGeoKey = "ride:starts"

// RedisGeoIndex implements GeoIndex using Redis GEO commands.
type RedisGeoIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisGeoIndex constructs a Redis-backed geo index.
func NewRedisGeoIndex(client redis.Cmdable, key string) *RedisGeoIndex {
	if key == "" {
		key = defaultGeoKey
	}
	return &RedisGeoIndex{client: client, key: key}
}

func (r *RedisGeoIndex) Add(ctx context.Context, rideID uuid.UUID, point domain.GeoPoint) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      rideID.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

func (r *RedisGeoIndex) Remove(ctx context.Context, rideID uuid.UUID) error {
	if err := r.client.ZRem(ctx, r.key, rideID.String()).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

func (r *RedisGeoIndex) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]NearbyRide, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis geo index not configured")
	}
	query := &redis.GeoRadiusQuery{
		Radius:   radiusKM,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}
	if limit > 0 {
		query.Count = limit
	}
	results, err := r.client.GeoRadius(ctx, r.key, point.Lng, point.Lat, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	hits := make([]NearbyRide, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		hits = append(hits, NearbyRide{RideID: id, DistanceKM: res.Dist})
	}
	return hits, nil
}

// MemoryGeoIndex is a linear-scan GeoIndex for tests and single-node demos.
type MemoryGeoIndex struct {
	mu     sync.RWMutex
	points map[uuid.UUID]domain.GeoPoint
}

// NewMemoryGeoIndex constructs an empty index.
func NewMemoryGeoIndex() *MemoryGeoIndex {
	return &MemoryGeoIndex{points: make(map[uuid.UUID]domain.GeoPoint)}
}

func (m *MemoryGeoIndex) Add(_ context.Context, rideID uuid.UUID, point domain.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[rideID] = point
	return nil
}

func (m *MemoryGeoIndex) Remove(_ context.Context, rideID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, rideID)
	return nil
}

func (m *MemoryGeoIndex) Nearby(_ context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]NearbyRide, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]NearbyRide, 0)
	for id, p := range m.points {
		if d := Distance(point, p); d <= radiusKM {
			hits = append(hits, NearbyRide{RideID: id, DistanceKM: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKM == hits[j].DistanceKM {
			return hits[i].RideID.String() < hits[j].RideID.String()
		}
		return hits[i].DistanceKM < hits[j].DistanceKM
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
