package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/matching"
)

// DefaultNearbyRadiusKM is the proximity radius used when the caller gives none.
const DefaultNearbyRadiusKM = 10.0

// Matcher ranks candidate rides for a traveler.
type Matcher interface {
	FindMatches(ctx context.Context, query domain.TravelerQuery, maxResults int) ([]domain.Match, error)
}

// RatingInvalidator drops cached aggregates after a user receives a rating.
type RatingInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// Dependencies groups the collaborators of Service. Repo and Matcher are required.
type Dependencies struct {
	Repo        domain.Repository
	Matcher     Matcher
	Geo         matching.GeoIndex
	Events      domain.EventPublisher
	Idempotency domain.IdempotencyRepository
	Ratings     RatingInvalidator
	Clock       domain.Clock
	Logger      *zap.Logger
}

// Config holds tunables for matching requests.
type Config struct {
	MaxResults     int
	NearbyRadiusKM float64
}

// Service coordinates ride operations between handlers, the matching engine
// and repositories.
type Service struct {
	repo       domain.Repository
	matcher    Matcher
	geo        matching.GeoIndex
	events     domain.EventPublisher
	idempotent domain.IdempotencyRepository
	ratings    RatingInvalidator
	clock      domain.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config
}

// New constructs a Service with the required collaborators.
func New(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Repo == nil || deps.Matcher == nil {
		return nil, errors.New("service requires repository and matcher")
	}
	if deps.Geo == nil {
		deps.Geo = matching.NewMemoryGeoIndex()
	}
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = matching.DefaultMaxResults
	}
	if cfg.NearbyRadiusKM <= 0 {
		cfg.NearbyRadiusKM = DefaultNearbyRadiusKM
	}
	return &Service{
		repo:       deps.Repo,
		matcher:    deps.Matcher,
		geo:        deps.Geo,
		events:     deps.Events,
		idempotent: deps.Idempotency,
		ratings:    deps.Ratings,
		clock:      deps.Clock,
		logger:     deps.Logger,
		tracer:     otel.Tracer("ride.service"),
		cfg:        cfg,
	}, nil
}

// RebuildIndex loads every matchable ride into the proximity index. It is
// called on startup when the index does not survive restarts.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	rides, err := s.repo.ActiveFutureRides(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, ride := range rides {
		if err := s.geo.Add(ctx, ride.ID, ride.Start); err != nil {
			return 0, err
		}
	}
	return len(rides), nil
}

// RegisterUser stores or updates the profile of an authenticated identity.
func (s *Service) RegisterUser(ctx context.Context, id uuid.UUID, username string, role domain.Role) (domain.User, error) {
	username = strings.TrimSpace(username)
	if id == uuid.Nil || username == "" {
		return domain.User{}, fmt.Errorf("user id and username are required: %w", domain.ErrInvalidInput)
	}
	if role != domain.RoleRider && role != domain.RoleTraveler {
		return domain.User{}, fmt.Errorf("unknown role %q: %w", role, domain.ErrInvalidInput)
	}
	return s.repo.CreateUser(ctx, domain.User{ID: id, Username: username, Role: role})
}

// GetRide retrieves a ride by identifier.
func (s *Service) GetRide(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	return s.repo.GetRide(ctx, id)
}

// ListActiveRides returns every ride that can still be requested.
func (s *Service) ListActiveRides(ctx context.Context) ([]domain.RideOffer, error) {
	rides, err := s.repo.ActiveFutureRides(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rides == nil {
		rides = []domain.RideOffer{}
	}
	return rides, nil
}

func (s *Service) event(rideID uuid.UUID, typ domain.RideEventType, payload map[string]any) domain.RideEvent {
	return domain.RideEvent{RideID: rideID, Type: typ, Payload: payload, CreatedAt: s.clock.Now()}
}

func (s *Service) publish(ctx context.Context, rideID uuid.UUID, typ domain.RideEventType, payload map[string]any) {
	event := s.event(rideID, typ, payload)
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish ride event failed", zap.Error(err), zap.String("type", string(typ)), zap.String("ride_id", rideID.String()))
	}
}

func (s *Service) unindex(ctx context.Context, rideID uuid.UUID) {
	if err := s.geo.Remove(ctx, rideID); err != nil {
		s.logger.Warn("remove ride from proximity index failed", zap.Error(err), zap.String("ride_id", rideID.String()))
	}
}

type discardEvents struct{}

func (discardEvents) Publish(context.Context, domain.RideEvent) error { return nil }

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
