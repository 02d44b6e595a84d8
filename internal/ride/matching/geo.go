package matching

import (
	"math"

	"github.com/example/greenride/internal/ride/domain"
)

const earthRadiusKM = 6371.0

// Distance returns the haversine great-circle distance between a and b in
// kilometres.
func Distance(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	// rounding can push h marginally outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	return earthRadiusKM * 2 * math.Asin(math.Sqrt(h))
}

// Bearing returns the initial compass bearing from a to b in degrees, within
// [0, 360). Coincident points yield 0.
func Bearing(a, b domain.GeoPoint) float64 {
	if a == b {
		return 0
	}
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)
	deg := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func toDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
