package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/greenride/internal/ride/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]domain.User
	rides     map[uuid.UUID]domain.RideOffer
	rideOrder []uuid.UUID
	requests  map[uuid.UUID]domain.RideRequest
	reqOrder  []uuid.UUID
	ratings   []domain.Rating
	events    []domain.RideEvent
}

var _ domain.Repository = (*MemoryRepository)(nil)

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[uuid.UUID]domain.User),
		rides:    make(map[uuid.UUID]domain.RideOffer),
		requests: make(map[uuid.UUID]domain.RideRequest),
	}
}

func (m *MemoryRepository) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return user, nil
}

func (m *MemoryRepository) GetUser(_ context.Context, id uuid.UUID) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return user, nil
}

func (m *MemoryRepository) CreateRide(_ context.Context, ride domain.RideOffer) (domain.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[ride.ID]; !exists {
		m.rideOrder = append(m.rideOrder, ride.ID)
	}
	m.rides[ride.ID] = ride
	return ride, nil
}

func (m *MemoryRepository) GetRide(_ context.Context, id uuid.UUID) (domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.RideOffer{}, fmt.Errorf("ride %s: %w", id, domain.ErrNotFound)
	}
	return ride, nil
}

// ActiveFutureRides returns eligible rides ordered by departure time, then
// creation order.
func (m *MemoryRepository) ActiveFutureRides(_ context.Context, now time.Time) ([]domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.RideOffer, 0, len(m.rideOrder))
	for _, id := range m.rideOrder {
		if ride := m.rides[id]; ride.Eligible(now) {
			res = append(res, ride)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].DepartureTime.Before(res[j].DepartureTime)
	})
	return res, nil
}

func (m *MemoryRepository) ExpiredRides(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uuid.UUID
	for _, id := range m.rideOrder {
		ride := m.rides[id]
		if ride.Status == domain.RideActive && !ride.DepartureTime.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryRepository) CreateRequest(_ context.Context, req domain.RideRequest) (domain.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[req.RideID]; !ok {
		return domain.RideRequest{}, fmt.Errorf("ride %s: %w", req.RideID, domain.ErrNotFound)
	}
	if _, exists := m.requests[req.ID]; !exists {
		m.reqOrder = append(m.reqOrder, req.ID)
	}
	m.requests[req.ID] = req
	return req, nil
}

func (m *MemoryRepository) GetRequest(_ context.Context, id uuid.UUID) (domain.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.RideRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return req, nil
}

func (m *MemoryRepository) AcceptRequest(_ context.Context, requestID uuid.UUID) (domain.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return domain.RideRequest{}, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	if req.Status != domain.RequestPending {
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	ride := m.rides[req.RideID]
	if ride.Status != domain.RideActive {
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	if ride.AvailableSeats < req.SeatsRequested {
		return domain.RideRequest{}, domain.ErrNotEnoughSeats
	}
	ride.AvailableSeats -= req.SeatsRequested
	req.Status = domain.RequestAccepted
	m.rides[ride.ID] = ride
	m.requests[req.ID] = req
	return req, nil
}

func (m *MemoryRepository) RejectRequest(_ context.Context, requestID uuid.UUID) (domain.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return domain.RideRequest{}, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	if req.Status != domain.RequestPending {
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	req.Status = domain.RequestRejected
	m.requests[req.ID] = req
	return req, nil
}

func (m *MemoryRepository) CloseRide(_ context.Context, rideID uuid.UUID, status domain.RideStatus) (domain.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return domain.CompletionResult{}, fmt.Errorf("ride %s: %w", rideID, domain.ErrNotFound)
	}
	if ride.Status != domain.RideActive || status == domain.RideActive {
		return domain.CompletionResult{}, domain.ErrInvalidTransition
	}
	ride.Status = status
	ride.AvailableSeats = 0
	m.rides[rideID] = ride

	res := domain.CompletionResult{Ride: ride}
	for _, id := range m.reqOrder {
		req := m.requests[id]
		if req.RideID != rideID {
			continue
		}
		next, changed := settleRequest(req.Status, status)
		if !changed {
			continue
		}
		req.Status = next
		m.requests[id] = req
		switch next {
		case domain.RequestCompleted:
			res.CompletedTravelers = append(res.CompletedTravelers, req.TravelerID)
		case domain.RequestCancelled:
			res.CancelledRequests = append(res.CancelledRequests, req.ID)
		}
	}
	return res, nil
}

// settleRequest returns the status an open request takes when its ride closes.
func settleRequest(current domain.RequestStatus, ride domain.RideStatus) (domain.RequestStatus, bool) {
	switch current {
	case domain.RequestPending:
		return domain.RequestCancelled, true
	case domain.RequestAccepted:
		if ride == domain.RideCompleted {
			return domain.RequestCompleted, true
		}
		return domain.RequestCancelled, true
	default:
		return current, false
	}
}

func (m *MemoryRepository) CreateRating(_ context.Context, rating domain.Rating) (domain.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ratings {
		if r.RequestID == rating.RequestID && r.FromUserID == rating.FromUserID {
			return domain.Rating{}, domain.ErrAlreadyRated
		}
	}
	m.ratings = append(m.ratings, rating)
	return rating, nil
}

func (m *MemoryRepository) HasRated(_ context.Context, requestID, fromUserID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.ratings {
		if r.RequestID == requestID && r.FromUserID == fromUserID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) AverageRating(_ context.Context, userID uuid.UUID) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, n := 0, 0
	for _, r := range m.ratings {
		if r.ToUserID == userID {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return float64(sum) / float64(n), true, nil
}

func (m *MemoryRepository) CountInteractions(_ context.Context, travelerID, driverID uuid.UUID, statuses ...domain.RequestStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, req := range m.requests {
		if req.TravelerID != travelerID || !hasStatus(statuses, req.Status) {
			continue
		}
		if ride, ok := m.rides[req.RideID]; ok && ride.DriverID == driverID {
			count++
		}
	}
	return count, nil
}

// Publish records events in memory so the repository can stand in for an
// event publisher in tests and demos.
func (m *MemoryRepository) Publish(_ context.Context, event domain.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns stored events (for tests).
func (m *MemoryRepository) Events() []domain.RideEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.RideEvent(nil), m.events...)
}

func hasStatus(statuses []domain.RequestStatus, s domain.RequestStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
