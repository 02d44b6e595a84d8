package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
)

// DefaultMaxResults is used when callers do not ask for a specific count.
const DefaultMaxResults = 5

// MatcherConfig configures the matcher behaviour.
type MatcherConfig struct {
	Weights    Weights
	MaxResults int
}

// Matcher ranks the rides a traveler could join. It keeps no mutable state
// and is safe for concurrent use.
type Matcher struct {
	users  domain.UserDirectory
	rides  domain.RideSource
	scorer *Scorer
	clock  domain.Clock
	logger *zap.Logger
	tracer trace.Tracer
	cfg    MatcherConfig
}

// NewMatcher builds a matcher from read-only collaborators.
func NewMatcher(users domain.UserDirectory, rides domain.RideSource, ratings domain.RatingSource, history domain.HistorySource, clock domain.Clock, logger *zap.Logger, cfg MatcherConfig) (*Matcher, error) {
	if users == nil {
		return nil, errors.New("user directory is required")
	}
	if rides == nil {
		return nil, errors.New("ride source is required")
	}
	scorer, err := NewScorer(ratings, history, cfg.Weights)
	if err != nil {
		return nil, err
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		users:  users,
		rides:  rides,
		scorer: scorer,
		clock:  clock,
		logger: logger,
		tracer: otel.Tracer("ride.matching"),
		cfg:    cfg,
	}, nil
}

// FindMatches returns at most maxResults candidate rides ordered by
// descending score. Rides with equal scores keep the order in which the ride
// source returned them. A maxResults of zero or less selects the configured
// default. Unknown travelers yield domain.ErrNotFound.
func (m *Matcher) FindMatches(ctx context.Context, query domain.TravelerQuery, maxResults int) (matches []domain.Match, err error) {
	ctx, span := m.tracer.Start(ctx, "matching.find", trace.WithAttributes(
		attribute.String("traveler_id", query.TravelerID.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		result := "matched"
		switch {
		case err != nil:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case len(matches) == 0:
			result = "empty"
		}
		matchingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	if maxResults <= 0 {
		maxResults = m.cfg.MaxResults
	}

	if _, err := m.users.GetUser(ctx, query.TravelerID); err != nil {
		return nil, fmt.Errorf("resolve traveler: %w", err)
	}

	now := m.clock.Now()
	pool, err := m.rides.ActiveFutureRides(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("candidate rides: %w", err)
	}

	scored := make([]domain.Match, 0, len(pool))
	for _, ride := range pool {
		if !ride.Eligible(now) || ride.DriverID == query.TravelerID {
			continue
		}
		b, err := m.scorer.Score(ctx, query.TravelerID, ride, query)
		if err != nil {
			return nil, fmt.Errorf("score ride %s: %w", ride.ID, err)
		}
		scored = append(scored, domain.Match{Ride: ride, Score: b.Total})
	}
	candidatesEvaluated.Observe(float64(len(scored)))
	span.SetAttributes(attribute.Int("candidates", len(scored)))

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > maxResults {
		scored = scored[:maxResults]
	}

	m.logger.Debug("ride matching completed",
		zap.String("traveler_id", query.TravelerID.String()),
		zap.Int("pool", len(pool)),
		zap.Int("returned", len(scored)),
	)
	return scored, nil
}
