package matching_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/matching"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func TestGeoIndexes(t *testing.T) {
	indexes := map[string]func(t *testing.T) matching.GeoIndex{
		"memory": func(*testing.T) matching.GeoIndex { return matching.NewMemoryGeoIndex() },
		"redis": func(t *testing.T) matching.GeoIndex {
			return matching.NewRedisGeoIndex(newRedisClient(t), "")
		},
	}
	for name, build := range indexes {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := build(t)
			center := domain.GeoPoint{Lat: 52.52, Lng: 13.405}
			near := uuid.New()
			mid := uuid.New()
			far := uuid.New()
			require.NoError(t, idx.Add(ctx, near, domain.GeoPoint{Lat: 52.521, Lng: 13.406}))
			require.NoError(t, idx.Add(ctx, mid, domain.GeoPoint{Lat: 52.55, Lng: 13.42}))
			require.NoError(t, idx.Add(ctx, far, domain.GeoPoint{Lat: 53.55, Lng: 9.99}))

			hits, err := idx.Nearby(ctx, center, 10, 0)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			require.Equal(t, near, hits[0].RideID)
			require.Equal(t, mid, hits[1].RideID)
			require.Less(t, hits[0].DistanceKM, hits[1].DistanceKM)
			require.InDelta(t, matching.Distance(center, domain.GeoPoint{Lat: 52.55, Lng: 13.42}), hits[1].DistanceKM, 0.05)

			limited, err := idx.Nearby(ctx, center, 10, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)

			require.NoError(t, idx.Remove(ctx, near))
			hits, err = idx.Nearby(ctx, center, 10, 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			require.Equal(t, mid, hits[0].RideID)
		})
	}
}
