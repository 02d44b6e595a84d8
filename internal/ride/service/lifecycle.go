package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
)

// OfferRideRequest contains the payload for publishing a ride.
type OfferRideRequest struct {
	StartLocation  string          `json:"start_location"`
	EndLocation    string          `json:"end_location"`
	Start          domain.GeoPoint `json:"start"`
	End            domain.GeoPoint `json:"end"`
	DepartureTime  time.Time       `json:"departure_time"`
	AvailableSeats int             `json:"available_seats"`
	Price          float64         `json:"price"`
	VehicleType    string          `json:"vehicle_type"`
	VehicleNumber  string          `json:"vehicle_number"`
}

// SeatRequest contains the payload for requesting seats on a ride.
type SeatRequest struct {
	Seats          int              `json:"seats"`
	PickupLocation string           `json:"pickup_location"`
	Pickup         *domain.GeoPoint `json:"pickup,omitempty"`
}

// validPoint rejects out-of-range coordinates. NaN fails every comparison.
func validPoint(p domain.GeoPoint) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// OfferRide publishes a new ride for a driver. Only users with the rider role
// may offer rides. A driver repeating an idempotency key gets the first ride
// back. Keys are scoped per driver.
func (s *Service) OfferRide(ctx context.Context, key string, driverID uuid.UUID, req OfferRideRequest) (domain.RideOffer, error) {
	if key != "" {
		key = driverID.String() + ":" + key
	}
	if key != "" && s.idempotent != nil {
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			var ride domain.RideOffer
			if err := json.Unmarshal(cached, &ride); err == nil {
				return ride, nil
			}
		}
	}

	driver, err := s.repo.GetUser(ctx, driverID)
	if err != nil {
		return domain.RideOffer{}, err
	}
	if driver.Role != domain.RoleRider {
		return domain.RideOffer{}, domain.ErrNotRider
	}
	now := s.clock.Now()
	switch {
	case strings.TrimSpace(req.StartLocation) == "" || strings.TrimSpace(req.EndLocation) == "":
		return domain.RideOffer{}, fmt.Errorf("%w: start and end locations are required", domain.ErrInvalidInput)
	case !validPoint(req.Start) || !validPoint(req.End):
		return domain.RideOffer{}, fmt.Errorf("%w: coordinates out of range", domain.ErrInvalidInput)
	case req.AvailableSeats < 1:
		return domain.RideOffer{}, fmt.Errorf("%w: at least one seat must be offered", domain.ErrInvalidInput)
	case req.Price < 0:
		return domain.RideOffer{}, fmt.Errorf("%w: price must not be negative", domain.ErrInvalidInput)
	case !req.DepartureTime.After(now):
		return domain.RideOffer{}, fmt.Errorf("%w: departure must be in the future", domain.ErrInvalidInput)
	}

	ride := domain.RideOffer{
		ID:             uuid.New(),
		DriverID:       driverID,
		StartLocation:  req.StartLocation,
		EndLocation:    req.EndLocation,
		Start:          req.Start,
		End:            req.End,
		DepartureTime:  req.DepartureTime.UTC(),
		AvailableSeats: req.AvailableSeats,
		Price:          req.Price,
		VehicleType:    req.VehicleType,
		VehicleNumber:  req.VehicleNumber,
		Status:         domain.RideActive,
		CreatedAt:      now,
	}
	created, err := s.repo.CreateRide(ctx, ride)
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("create ride: %w", err)
	}
	if err := s.geo.Add(ctx, created.ID, created.Start); err != nil {
		s.logger.Warn("index ride failed", zap.Error(err), zap.String("ride_id", created.ID.String()))
	}
	s.publish(ctx, created.ID, domain.EventRideOffered, map[string]any{
		"driver_id": driverID.String(),
		"seats":     created.AvailableSeats,
	})

	if key != "" && s.idempotent != nil {
		if payload, err := json.Marshal(created); err == nil {
			_ = s.idempotent.PutResponse(ctx, key, payload)
		}
	}
	return created, nil
}

// RequestSeat files a pending request from a traveler on someone else's ride.
func (s *Service) RequestSeat(ctx context.Context, travelerID, rideID uuid.UUID, req SeatRequest) (domain.RideRequest, error) {
	if _, err := s.repo.GetUser(ctx, travelerID); err != nil {
		return domain.RideRequest{}, err
	}
	ride, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return domain.RideRequest{}, err
	}
	if ride.DriverID == travelerID {
		return domain.RideRequest{}, domain.ErrOwnRide
	}
	now := s.clock.Now()
	if !ride.Eligible(now) {
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	if req.Seats == 0 {
		req.Seats = 1
	}
	if req.Seats < 0 {
		return domain.RideRequest{}, fmt.Errorf("%w: seats must be positive", domain.ErrInvalidInput)
	}
	if req.Pickup != nil && !validPoint(*req.Pickup) {
		return domain.RideRequest{}, fmt.Errorf("%w: pickup out of range", domain.ErrInvalidInput)
	}
	if req.Seats > ride.AvailableSeats {
		return domain.RideRequest{}, domain.ErrNotEnoughSeats
	}

	created, err := s.repo.CreateRequest(ctx, domain.RideRequest{
		ID:             uuid.New(),
		RideID:         ride.ID,
		TravelerID:     travelerID,
		Status:         domain.RequestPending,
		PickupLocation: req.PickupLocation,
		Pickup:         req.Pickup,
		SeatsRequested: req.Seats,
		CreatedAt:      now,
	})
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("create request: %w", err)
	}
	s.publish(ctx, ride.ID, domain.EventSeatRequested, map[string]any{
		"request_id":  created.ID.String(),
		"driver_id":   ride.DriverID.String(),
		"traveler_id": travelerID.String(),
		"seats":       created.SeatsRequested,
	})
	return created, nil
}

// RespondToRequest lets the ride's driver accept or reject a pending request.
// Accepting takes the requested seats from the ride.
func (s *Service) RespondToRequest(ctx context.Context, driverID, requestID uuid.UUID, accept bool) (domain.RideRequest, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.RideRequest{}, err
	}
	ride, err := s.repo.GetRide(ctx, req.RideID)
	if err != nil {
		return domain.RideRequest{}, err
	}
	if ride.DriverID != driverID {
		return domain.RideRequest{}, domain.ErrForbidden
	}

	if !accept {
		rejected, err := s.repo.RejectRequest(ctx, requestID)
		if err != nil {
			return domain.RideRequest{}, err
		}
		s.publish(ctx, ride.ID, domain.EventRequestRejected, map[string]any{
			"request_id":  rejected.ID.String(),
			"traveler_id": rejected.TravelerID.String(),
		})
		return rejected, nil
	}

	var accepted domain.RideRequest
	outbox, transactional := s.events.(domain.OutboxWriter)
	if transactional {
		accepted, err = outbox.AcceptRequestWithEvent(ctx, requestID, func(r domain.RideRequest) domain.RideEvent {
			return s.event(ride.ID, domain.EventRequestAccepted, acceptPayload(r))
		})
	} else {
		accepted, err = s.repo.AcceptRequest(ctx, requestID)
	}
	if err != nil {
		return domain.RideRequest{}, err
	}
	if updated, err := s.repo.GetRide(ctx, ride.ID); err == nil && updated.AvailableSeats == 0 {
		s.unindex(ctx, ride.ID)
	}
	if !transactional {
		s.publish(ctx, ride.ID, domain.EventRequestAccepted, acceptPayload(accepted))
	}
	return accepted, nil
}

func acceptPayload(req domain.RideRequest) map[string]any {
	return map[string]any{
		"request_id":  req.ID.String(),
		"traveler_id": req.TravelerID.String(),
		"seats":       req.SeatsRequested,
	}
}

// CompleteRide closes the driver's ride. Accepted requests complete and
// pending ones are cancelled.
func (s *Service) CompleteRide(ctx context.Context, driverID, rideID uuid.UUID) (domain.CompletionResult, error) {
	return s.closeRide(ctx, driverID, rideID, domain.RideCompleted, domain.EventRideCompleted)
}

// CancelRide cancels the driver's active ride and every open request on it.
func (s *Service) CancelRide(ctx context.Context, driverID, rideID uuid.UUID) (domain.CompletionResult, error) {
	return s.closeRide(ctx, driverID, rideID, domain.RideCancelled, domain.EventRideCancelled)
}

func (s *Service) closeRide(ctx context.Context, driverID, rideID uuid.UUID, status domain.RideStatus, typ domain.RideEventType) (domain.CompletionResult, error) {
	ride, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if ride.DriverID != driverID {
		return domain.CompletionResult{}, domain.ErrForbidden
	}
	return s.settleRide(ctx, rideID, status, typ)
}

// settleRide closes the ride and emits typ. Outbox publishers record the
// event in the transaction that closes the ride.
func (s *Service) settleRide(ctx context.Context, rideID uuid.UUID, status domain.RideStatus, typ domain.RideEventType) (domain.CompletionResult, error) {
	if outbox, ok := s.events.(domain.OutboxWriter); ok {
		res, err := outbox.CloseRideWithEvent(ctx, rideID, status, func(res domain.CompletionResult) domain.RideEvent {
			return s.event(rideID, typ, closePayload(res))
		})
		if err != nil {
			return domain.CompletionResult{}, err
		}
		s.unindex(ctx, rideID)
		return res, nil
	}
	res, err := s.repo.CloseRide(ctx, rideID, status)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	s.unindex(ctx, rideID)
	s.publish(ctx, rideID, typ, closePayload(res))
	return res, nil
}

func closePayload(res domain.CompletionResult) map[string]any {
	return map[string]any{
		"driver_id":          res.Ride.DriverID.String(),
		"travelers":          uuidStrings(res.CompletedTravelers),
		"cancelled_requests": uuidStrings(res.CancelledRequests),
	}
}

// RateUser records a 1..5 rating from one participant of a completed request
// for the other: the traveler rates the driver and the driver rates the
// traveler. Each participant rates a request once.
func (s *Service) RateUser(ctx context.Context, fromUserID, requestID uuid.UUID, score int, comment string) (domain.Rating, error) {
	if score < 1 || score > 5 {
		return domain.Rating{}, domain.ErrInvalidRating
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Rating{}, err
	}
	if req.Status != domain.RequestCompleted {
		return domain.Rating{}, domain.ErrInvalidTransition
	}
	ride, err := s.repo.GetRide(ctx, req.RideID)
	if err != nil {
		return domain.Rating{}, err
	}
	var toUserID uuid.UUID
	switch fromUserID {
	case req.TravelerID:
		toUserID = ride.DriverID
	case ride.DriverID:
		toUserID = req.TravelerID
	default:
		return domain.Rating{}, domain.ErrForbidden
	}
	rated, err := s.repo.HasRated(ctx, requestID, fromUserID)
	if err != nil {
		return domain.Rating{}, err
	}
	if rated {
		return domain.Rating{}, domain.ErrAlreadyRated
	}

	rating, err := s.repo.CreateRating(ctx, domain.Rating{
		ID:         uuid.New(),
		RequestID:  requestID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Score:      score,
		Comment:    comment,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		return domain.Rating{}, err
	}
	if s.ratings != nil {
		if err := s.ratings.Invalidate(ctx, toUserID); err != nil {
			s.logger.Warn("rating cache invalidation failed", zap.Error(err), zap.String("user_id", toUserID.String()))
		}
	}
	s.publish(ctx, ride.ID, domain.EventUserRated, map[string]any{
		"request_id": requestID.String(),
		"from":       fromUserID.String(),
		"to":         toUserID.String(),
		"score":      score,
	})
	return rating, nil
}
