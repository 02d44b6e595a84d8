package matching_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/matching"
)

func TestRouteSimilarityIdenticalRoutes(t *testing.T) {
	start := domain.GeoPoint{Lat: 0, Lng: 0}
	end := domain.GeoPoint{Lat: 0, Lng: 1}
	require.InDelta(t, 1.0, matching.RouteSimilarity(start, end, start, end), 1e-12)
}

func TestRouteSimilarityDegenerateRoutes(t *testing.T) {
	a := domain.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	b := domain.GeoPoint{Lat: 48.8566, Lng: 2.3532} // ~73m east of a
	far := domain.GeoPoint{Lat: 49.5, Lng: 3.0}

	require.Zero(t, matching.RouteSimilarity(a, a, a, far), "zero-length traveler route")
	require.Zero(t, matching.RouteSimilarity(a, b, a, far), "traveler route under 100m")
	require.Zero(t, matching.RouteSimilarity(a, far, far, far), "zero-length ride route")
	require.Zero(t, matching.RouteSimilarity(a, far, a, b), "ride route under 100m")
}

func TestRouteSimilarityOppositeDirection(t *testing.T) {
	west := domain.GeoPoint{Lat: 0, Lng: 0}
	east := domain.GeoPoint{Lat: 0, Lng: 1}
	require.InDelta(t, 0, matching.RouteSimilarity(west, east, east, west), 1e-9)
}

func TestRouteSimilarityEndpointsNormalizedByTravelerRoute(t *testing.T) {
	// The ride shares the start and heading but ends half a degree further.
	// Measured against half the traveler's route that offset already zeroes
	// the end term; the ride's own length is deliberately not used.
	start := domain.GeoPoint{Lat: 0, Lng: 0}
	userEnd := domain.GeoPoint{Lat: 0, Lng: 1}
	rideEnd := domain.GeoPoint{Lat: 0, Lng: 1.5}
	require.InDelta(t, 0.6, matching.RouteSimilarity(start, userEnd, start, rideEnd), 1e-9)
}

func TestRouteSimilarityPartialOverlap(t *testing.T) {
	userStart := domain.GeoPoint{Lat: 0, Lng: 0}
	userEnd := domain.GeoPoint{Lat: 0, Lng: 1}
	// pickup shifted a quarter degree east, same heading and destination
	rideStart := domain.GeoPoint{Lat: 0, Lng: 0.25}
	got := matching.RouteSimilarity(userStart, userEnd, rideStart, userEnd)
	require.InDelta(t, 0.4*0.5+0.4+0.2, got, 1e-9)
}

func TestRouteSimilarityStaysInUnitRange(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		got := matching.RouteSimilarity(randomPoint(rng), randomPoint(rng), randomPoint(rng), randomPoint(rng))
		require.GreaterOrEqual(t, got, 0.0)
		require.LessOrEqual(t, got, 1.0)
	}
}
