package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/matching"
)

// DepartureLayout is the format of MatchResult.DepartureTime.
const DepartureLayout = "2006-01-02 15:04"

var departureLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", DepartureLayout}

// MatchRequest is a traveler's search. End is nil in proximity mode.
type MatchRequest struct {
	TravelerID uuid.UUID
	Start      domain.GeoPoint
	End        *domain.GeoPoint
	Departure  string
	RadiusKM   float64
	Limit      int
}

// MatchResult is the record returned to callers for every ride found.
type MatchResult struct {
	RideID         uuid.UUID  `json:"ride_id"`
	StartLocation  string     `json:"start_location"`
	EndLocation    string     `json:"end_location"`
	StartCoords    [2]float64 `json:"start_coords"`
	EndCoords      [2]float64 `json:"end_coords"`
	DepartureTime  string     `json:"departure_time"`
	AvailableSeats int        `json:"available_seats"`
	Price          float64    `json:"price"`
	DistanceKM     float64    `json:"distance_km"`
	MatchScore     *float64   `json:"match_score,omitempty"`
}

func (r MatchRequest) validate() error {
	switch {
	case !validPoint(r.Start):
		return fmt.Errorf("%w: start coordinates out of range", domain.ErrInvalidInput)
	case r.End != nil && !validPoint(*r.End):
		return fmt.Errorf("%w: end coordinates out of range", domain.ErrInvalidInput)
	case math.IsNaN(r.RadiusKM) || math.IsInf(r.RadiusKM, 0) || r.RadiusKM < 0:
		return fmt.Errorf("%w: radius must be a non-negative number", domain.ErrInvalidInput)
	}
	return nil
}

// ParseDeparture reads a preferred departure time. Empty or unparsable input
// means one hour after now.
func ParseDeparture(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range departureLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return now.Add(time.Hour)
}

// FindMatches ranks rides for the traveler and renders them as MatchResults.
// Without a destination it falls back to proximity search. Radius, when
// positive, filters the ranked matches by distance to the traveler's start.
func (s *Service) FindMatches(ctx context.Context, req MatchRequest) ([]MatchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.End == nil {
		return s.NearbyRides(ctx, req)
	}
	ctx, span := s.tracer.Start(ctx, "service.find_matches")
	defer span.End()

	now := s.clock.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}
	query := domain.TravelerQuery{
		TravelerID:    req.TravelerID,
		Start:         req.Start,
		End:           *req.End,
		PreferredTime: ParseDeparture(req.Departure, now),
	}
	matches, err := s.matcher.FindMatches(ctx, query, limit)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("match request for unknown traveler", zap.String("traveler_id", req.TravelerID.String()))
		return []MatchResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find matches: %w", err)
	}

	results := make([]MatchResult, 0, len(matches))
	for _, m := range matches {
		distance := matching.Distance(req.Start, m.Ride.Start)
		if req.RadiusKM > 0 && distance > req.RadiusKM {
			continue
		}
		score := round(m.Score, 1)
		res := toResult(m.Ride, distance)
		res.MatchScore = &score
		results = append(results, res)
	}
	span.SetAttributes(attribute.Int("matches", len(results)))
	return results, nil
}

// NearbyRides returns matchable rides starting within the radius of
// req.Start, closest first. The caller's own rides are left out.
func (s *Service) NearbyRides(ctx context.Context, req MatchRequest) ([]MatchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "service.nearby_rides")
	defer span.End()

	radius := req.RadiusKM
	if radius <= 0 {
		radius = s.cfg.NearbyRadiusKM
	}
	hits, err := s.geo.Nearby(ctx, req.Start, radius, 0)
	if err != nil {
		return nil, fmt.Errorf("nearby rides: %w", err)
	}

	now := s.clock.Now()
	results := make([]MatchResult, 0, len(hits))
	for _, hit := range hits {
		ride, err := s.repo.GetRide(ctx, hit.RideID)
		if errors.Is(err, domain.ErrNotFound) {
			s.unindex(ctx, hit.RideID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load ride %s: %w", hit.RideID, err)
		}
		if !ride.Eligible(now) {
			if ride.Status != domain.RideActive {
				s.unindex(ctx, ride.ID)
			}
			continue
		}
		if ride.DriverID == req.TravelerID {
			continue
		}
		distance := matching.Distance(req.Start, ride.Start)
		if distance > radius {
			continue
		}
		results = append(results, toResult(ride, distance))
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].DistanceKM < results[j].DistanceKM })
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	span.SetAttributes(attribute.Int("rides", len(results)))
	return results, nil
}

func toResult(ride domain.RideOffer, distance float64) MatchResult {
	return MatchResult{
		RideID:         ride.ID,
		StartLocation:  ride.StartLocation,
		EndLocation:    ride.EndLocation,
		StartCoords:    [2]float64{ride.Start.Lat, ride.Start.Lng},
		EndCoords:      [2]float64{ride.End.Lat, ride.End.Lng},
		DepartureTime:  ride.DepartureTime.UTC().Format(DepartureLayout),
		AvailableSeats: ride.AvailableSeats,
		Price:          ride.Price,
		DistanceKM:     round(distance, 2),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
