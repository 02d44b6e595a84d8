package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
)

type Role string

const (
	RoleRider    Role = "rider"
	RoleTraveler Role = "traveler"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid ride state transition")
	ErrForbidden         = errors.New("not allowed for this user")
	ErrOwnRide           = errors.New("cannot request your own ride")
	ErrNotEnoughSeats    = errors.New("not enough seats available")
	ErrAlreadyRated      = errors.New("request already rated by this user")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrNotRider          = errors.New("only riders can offer rides")
	ErrInvalidInput      = errors.New("invalid input")
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
}

// RideOffer is a driver's published trip with free seats.
type RideOffer struct {
	ID             uuid.UUID  `json:"id"`
	DriverID       uuid.UUID  `json:"driver_id"`
	StartLocation  string     `json:"start_location"`
	EndLocation    string     `json:"end_location"`
	Start          GeoPoint   `json:"start"`
	End            GeoPoint   `json:"end"`
	DepartureTime  time.Time  `json:"departure_time"`
	AvailableSeats int        `json:"available_seats"`
	Price          float64    `json:"price"`
	VehicleType    string     `json:"vehicle_type,omitempty"`
	VehicleNumber  string     `json:"vehicle_number,omitempty"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Eligible reports whether the ride can still be offered to travelers at now.
func (r RideOffer) Eligible(now time.Time) bool {
	return r.Status == RideActive && r.AvailableSeats > 0 && r.DepartureTime.After(now)
}

type RideRequest struct {
	ID             uuid.UUID     `json:"id"`
	RideID         uuid.UUID     `json:"ride_id"`
	TravelerID     uuid.UUID     `json:"traveler_id"`
	Status         RequestStatus `json:"status"`
	PickupLocation string        `json:"pickup_location,omitempty"`
	Pickup         *GeoPoint     `json:"pickup,omitempty"`
	SeatsRequested int           `json:"seats_requested"`
	CreatedAt      time.Time     `json:"created_at"`
}

type Rating struct {
	ID         uuid.UUID `json:"id"`
	RequestID  uuid.UUID `json:"request_id"`
	FromUserID uuid.UUID `json:"from_user_id"`
	ToUserID   uuid.UUID `json:"to_user_id"`
	Score      int       `json:"score"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TravelerQuery describes what a traveler is looking for. It is never stored.
type TravelerQuery struct {
	TravelerID    uuid.UUID
	Start         GeoPoint
	End           GeoPoint
	PreferredTime time.Time
}

// Match pairs a candidate ride with its composite score.
type Match struct {
	Ride  RideOffer
	Score float64
}

type RideEventType string

const (
	EventRideOffered     RideEventType = "RideOffered"
	EventSeatRequested   RideEventType = "SeatRequested"
	EventRequestAccepted RideEventType = "RequestAccepted"
	EventRequestRejected RideEventType = "RequestRejected"
	EventRideCompleted   RideEventType = "RideCompleted"
	EventRideCancelled   RideEventType = "RideCancelled"
	EventRideExpired     RideEventType = "RideExpired"
	EventUserRated       RideEventType = "UserRated"
)

type RideEvent struct {
	ID        int64          `json:"id,omitempty"`
	RideID    uuid.UUID      `json:"ride_id"`
	Type      RideEventType  `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// UserDirectory resolves user identities.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
}

// RideSource returns the pool of rides that may be matched at now.
type RideSource interface {
	ActiveFutureRides(ctx context.Context, now time.Time) ([]RideOffer, error)
}

// RatingSource aggregates ratings received by a user in any role. ok is false
// when the user has never been rated.
type RatingSource interface {
	AverageRating(ctx context.Context, userID uuid.UUID) (avg float64, ok bool, err error)
}

// HistorySource counts past ride requests by traveler on rides driven by
// driver whose status is one of statuses.
type HistorySource interface {
	CountInteractions(ctx context.Context, travelerID, driverID uuid.UUID, statuses ...RequestStatus) (int, error)
}

// CompletionResult describes the request transitions applied when a ride is
// closed.
type CompletionResult struct {
	Ride               RideOffer
	CompletedTravelers []uuid.UUID
	CancelledRequests  []uuid.UUID
}

// Repository is the write side used by the ride lifecycle.
type Repository interface {
	UserDirectory
	RideSource
	RatingSource
	HistorySource

	CreateUser(ctx context.Context, user User) (User, error)
	CreateRide(ctx context.Context, ride RideOffer) (RideOffer, error)
	GetRide(ctx context.Context, id uuid.UUID) (RideOffer, error)
	CreateRequest(ctx context.Context, req RideRequest) (RideRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (RideRequest, error)
	// AcceptRequest marks the request accepted and takes its seats from the
	// ride atomically.
	AcceptRequest(ctx context.Context, requestID uuid.UUID) (RideRequest, error)
	RejectRequest(ctx context.Context, requestID uuid.UUID) (RideRequest, error)
	// CloseRide moves an active ride to status and settles its requests:
	// completing turns accepted requests completed and pending ones cancelled,
	// cancelling cancels every open request.
	CloseRide(ctx context.Context, rideID uuid.UUID, status RideStatus) (CompletionResult, error)
	ExpiredRides(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	CreateRating(ctx context.Context, rating Rating) (Rating, error)
	HasRated(ctx context.Context, requestID, fromUserID uuid.UUID) (bool, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event RideEvent) error
}

// OutboxWriter is implemented by publishers that record events in the same
// transaction as the state change that produced them.
type OutboxWriter interface {
	AcceptRequestWithEvent(ctx context.Context, requestID uuid.UUID, event func(RideRequest) RideEvent) (RideRequest, error)
	CloseRideWithEvent(ctx context.Context, rideID uuid.UUID, status RideStatus, event func(CompletionResult) RideEvent) (CompletionResult, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
