package matching

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/greenride/internal/ride/domain"
)

// Default weights of the composite match score. The maximum attainable score
// is BaseScore plus every weight, 150 with these values.
const (
	BaseScore        = 50.0
	RouteWeight      = 40.0
	ScheduleWeight   = 30.0
	ReputationWeight = 15.0
	HistoryWeight    = 15.0

	// ScheduleHorizon is the departure gap at which the schedule term reaches zero.
	ScheduleHorizon = 24 * time.Hour
)

// Weights holds the points each scoring term contributes at full strength.
type Weights struct {
	Base       float64
	Route      float64
	Schedule   float64
	Reputation float64
	History    float64
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		Base:       BaseScore,
		Route:      RouteWeight,
		Schedule:   ScheduleWeight,
		Reputation: ReputationWeight,
		History:    HistoryWeight,
	}
}

// Breakdown exposes the normalized terms behind a score.
type Breakdown struct {
	Route      float64
	Schedule   float64
	Reputation float64
	History    float64
	Total      float64
}

// Scorer computes the composite match score of one ride for one traveler.
type Scorer struct {
	ratings domain.RatingSource
	history domain.HistorySource
	weights Weights
}

// NewScorer builds a scorer. A zero Weights value selects DefaultWeights.
func NewScorer(ratings domain.RatingSource, history domain.HistorySource, weights Weights) (*Scorer, error) {
	if ratings == nil {
		return nil, errors.New("rating source is required")
	}
	if history == nil {
		return nil, errors.New("history source is required")
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scorer{ratings: ratings, history: history, weights: weights}, nil
}

// Score evaluates ride against the traveler's query.
func (s *Scorer) Score(ctx context.Context, travelerID uuid.UUID, ride domain.RideOffer, query domain.TravelerQuery) (Breakdown, error) {
	var b Breakdown
	b.Route = RouteSimilarity(query.Start, query.End, ride.Start, ride.End)
	b.Schedule = ScheduleScore(ride.DepartureTime, query.PreferredTime)

	var err error
	if b.Reputation, err = ReputationScore(ctx, s.ratings, ride.DriverID); err != nil {
		return Breakdown{}, err
	}
	if b.History, err = HistoryScore(ctx, s.history, travelerID, ride.DriverID); err != nil {
		return Breakdown{}, err
	}

	b.Total = s.weights.Base +
		b.Route*s.weights.Route +
		b.Schedule*s.weights.Schedule +
		b.Reputation*s.weights.Reputation +
		b.History*s.weights.History
	return b, nil
}

// ScheduleScore decays linearly from 1 at an exact departure match to 0 at a
// gap of ScheduleHorizon or more, in either direction.
func ScheduleScore(departure, preferred time.Time) float64 {
	gap := math.Abs(departure.Sub(preferred).Hours())
	return math.Max(0, 1-gap/ScheduleHorizon.Hours())
}
