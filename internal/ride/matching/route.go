package matching

import (
	"math"

	"github.com/example/greenride/internal/ride/domain"
)

const (
	// MinRouteLengthKM is the shortest route that can be compared at all.
	MinRouteLengthKM = 0.1

	routeStartWeight     = 0.4
	routeEndWeight       = 0.4
	routeDirectionWeight = 0.2
	// endpoint offsets are measured against half the traveler's trip
	endpointToleranceShare = 0.5
)

// RouteSimilarity compares the traveler's route with a ride's route and
// returns a score in [0,1], 1 meaning identical routes.
//
// Both endpoint offsets are normalized by the traveler's route length, so a
// long ride passing through a short trip is judged on the traveler's scale.
func RouteSimilarity(userStart, userEnd, rideStart, rideEnd domain.GeoPoint) float64 {
	startDistance := Distance(userStart, rideStart)
	endDistance := Distance(userEnd, rideEnd)

	userRouteLength := Distance(userStart, userEnd)
	rideRouteLength := Distance(rideStart, rideEnd)
	if userRouteLength < MinRouteLengthKM || rideRouteLength < MinRouteLengthKM {
		return 0
	}

	tolerance := userRouteLength * endpointToleranceShare
	startSimilarity := math.Max(0, 1-startDistance/tolerance)
	endSimilarity := math.Max(0, 1-endDistance/tolerance)

	diff := math.Abs(Bearing(userStart, userEnd) - Bearing(rideStart, rideEnd))
	diff = math.Min(diff, 360-diff)
	directionSimilarity := math.Max(0, 1-diff/180)

	return routeStartWeight*startSimilarity + routeEndWeight*endSimilarity + routeDirectionWeight*directionSimilarity
}
