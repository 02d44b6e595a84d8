package grpcapi

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/service"
)

// Matcher is the part of the ride service exposed over gRPC.
type Matcher interface {
	FindMatches(ctx context.Context, req service.MatchRequest) ([]service.MatchResult, error)
	NearbyRides(ctx context.Context, req service.MatchRequest) ([]service.MatchResult, error)
}

// Server implements the MatchingServer interface.
type Server struct {
	matcher Matcher
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(matcher Matcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{matcher: matcher, logger: logger}
}

// FindMatches returns scored rides, or nearby rides when no destination is set.
func (s *Server) FindMatches(ctx context.Context, in *FindMatchesRequest) (*MatchesResponse, error) {
	travelerID, err := caller(ctx, in.TravelerId)
	if err != nil {
		return nil, err
	}
	results, err := s.matcher.FindMatches(ctx, service.MatchRequest{
		TravelerID: travelerID,
		Start:      in.Start,
		End:        in.End,
		Departure:  in.Departure,
		RadiusKM:   in.RadiusKm,
		Limit:      int(in.Limit),
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &MatchesResponse{Matches: results}, nil
}

// NearbyRides returns rides starting around the requested point.
func (s *Server) NearbyRides(ctx context.Context, in *NearbyRidesRequest) (*MatchesResponse, error) {
	travelerID, err := caller(ctx, in.TravelerId)
	if err != nil {
		return nil, err
	}
	results, err := s.matcher.NearbyRides(ctx, service.MatchRequest{
		TravelerID: travelerID,
		Start:      in.Point,
		RadiusKM:   in.RadiusKm,
		Limit:      int(in.Limit),
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &MatchesResponse{Matches: results}, nil
}

// caller resolves the traveler a request is made for. The identity comes
// from the verified token; a traveler_id in the body must name the same user.
func caller(ctx context.Context, requested string) (uuid.UUID, error) {
	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return uuid.Nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	if requested == "" {
		return userID, nil
	}
	id, err := uuid.Parse(requested)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "invalid traveler_id")
	}
	if id != userID {
		return uuid.Nil, status.Error(codes.PermissionDenied, "traveler_id does not match token")
	}
	return userID, nil
}

func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		s.logger.Error("matching rpc failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}
