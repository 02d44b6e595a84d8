package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/greenride/internal/ride/domain"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const rideColumns = `id, driver_id, start_location, end_location, start_lat, start_lng, end_lat, end_lng,
departure_time, available_seats, price, vehicle_type, vehicle_number, status, created_at`

const requestColumns = `id, ride_id, traveler_id, status, pickup_location, pickup_lat, pickup_lng, seats_requested, created_at`

// PostgresRepository stores rides, requests and ratings in Postgres through
// database/sql with the pgx driver. Events are written to the outbox table
// and shipped by the outbox worker.
type PostgresRepository struct {
	db    *sql.DB
	topic string
}

var _ domain.Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps db. topic is the NATS subject recorded on outbox rows.
func NewPostgresRepository(db *sql.DB, topic string) *PostgresRepository {
	if topic == "" {
		topic = "ride.events"
	}
	return &PostgresRepository{db: db, topic: topic}
}

// Migrate creates the schema if it does not exist.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *PostgresRepository) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (id, username, role) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, role = EXCLUDED.role`,
		user.ID, user.Username, string(user.Role))
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (p *PostgresRepository) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	var (
		user domain.User
		role string
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, username, role FROM users WHERE id = $1`, id).Scan(&user.ID, &user.Username, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	user.Role = domain.Role(role)
	return user, nil
}

func (p *PostgresRepository) CreateRide(ctx context.Context, ride domain.RideOffer) (domain.RideOffer, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ride.ID, ride.DriverID, ride.StartLocation, ride.EndLocation,
		ride.Start.Lat, ride.Start.Lng, ride.End.Lat, ride.End.Lng,
		ride.DepartureTime, ride.AvailableSeats, ride.Price, ride.VehicleType, ride.VehicleNumber,
		string(ride.Status), ride.CreatedAt)
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("insert ride: %w", err)
	}
	return ride, nil
}

func (p *PostgresRepository) GetRide(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	ride, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, fmt.Errorf("ride %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("select ride: %w", err)
	}
	return ride, nil
}

func (p *PostgresRepository) ActiveFutureRides(ctx context.Context, now time.Time) ([]domain.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
WHERE status = $1 AND available_seats > 0 AND departure_time > $2
ORDER BY departure_time, created_at, id`, string(domain.RideActive), now)
	if err != nil {
		return nil, fmt.Errorf("select rides: %w", err)
	}
	defer rows.Close()
	var rides []domain.RideOffer
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rides: %w", err)
	}
	return rides, nil
}

func (p *PostgresRepository) ExpiredRides(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM rides WHERE status = $1 AND departure_time <= $2 ORDER BY departure_time`,
		string(domain.RideActive), now)
	if err != nil {
		return nil, fmt.Errorf("select expired rides: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ride id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresRepository) CreateRequest(ctx context.Context, req domain.RideRequest) (domain.RideRequest, error) {
	var lat, lng sql.NullFloat64
	if req.Pickup != nil {
		lat = sql.NullFloat64{Float64: req.Pickup.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: req.Pickup.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests (`+requestColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.RideID, req.TravelerID, string(req.Status), req.PickupLocation, lat, lng, req.SeatsRequested, req.CreatedAt)
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("insert request: %w", err)
	}
	return req, nil
}

func (p *PostgresRepository) GetRequest(ctx context.Context, id uuid.UUID) (domain.RideRequest, error) {
	req, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("select request: %w", err)
	}
	return req, nil
}

var _ domain.OutboxWriter = (*PostgresRepository)(nil)

func (p *PostgresRepository) AcceptRequest(ctx context.Context, requestID uuid.UUID) (domain.RideRequest, error) {
	var accepted domain.RideRequest
	err := p.inTx(ctx, func(tx *sql.Tx) (err error) {
		accepted, err = acceptRequest(ctx, tx, requestID)
		return err
	})
	return accepted, err
}

// AcceptRequestWithEvent accepts the request and writes the resulting event
// to the outbox in one transaction.
func (p *PostgresRepository) AcceptRequestWithEvent(ctx context.Context, requestID uuid.UUID, event func(domain.RideRequest) domain.RideEvent) (domain.RideRequest, error) {
	var accepted domain.RideRequest
	err := p.inTx(ctx, func(tx *sql.Tx) (err error) {
		if accepted, err = acceptRequest(ctx, tx, requestID); err != nil {
			return err
		}
		return p.insertOutbox(ctx, tx, event(accepted))
	})
	return accepted, err
}

func acceptRequest(ctx context.Context, tx *sql.Tx, requestID uuid.UUID) (domain.RideRequest, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1 FOR UPDATE`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideRequest{}, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("lock request: %w", err)
	}
	if req.Status != domain.RequestPending {
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	var (
		status string
		seats  int
	)
	if err := tx.QueryRowContext(ctx, `SELECT status, available_seats FROM rides WHERE id = $1 FOR UPDATE`, req.RideID).Scan(&status, &seats); err != nil {
		return domain.RideRequest{}, fmt.Errorf("lock ride: %w", err)
	}
	if domain.RideStatus(status) != domain.RideActive {
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	if seats < req.SeatsRequested {
		return domain.RideRequest{}, domain.ErrNotEnoughSeats
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rides SET available_seats = available_seats - $1 WHERE id = $2`, req.SeatsRequested, req.RideID); err != nil {
		return domain.RideRequest{}, fmt.Errorf("take seats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status = $1 WHERE id = $2`, string(domain.RequestAccepted), req.ID); err != nil {
		return domain.RideRequest{}, fmt.Errorf("accept request: %w", err)
	}
	req.Status = domain.RequestAccepted
	return req, nil
}

func (p *PostgresRepository) RejectRequest(ctx context.Context, requestID uuid.UUID) (domain.RideRequest, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status = $1 WHERE id = $2 AND status = $3`,
		string(domain.RequestRejected), requestID, string(domain.RequestPending))
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("reject request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetRequest(ctx, requestID); err != nil {
			return domain.RideRequest{}, err
		}
		return domain.RideRequest{}, domain.ErrInvalidTransition
	}
	return p.GetRequest(ctx, requestID)
}

func (p *PostgresRepository) CloseRide(ctx context.Context, rideID uuid.UUID, status domain.RideStatus) (domain.CompletionResult, error) {
	if status == domain.RideActive {
		return domain.CompletionResult{}, domain.ErrInvalidTransition
	}
	var res domain.CompletionResult
	err := p.inTx(ctx, func(tx *sql.Tx) (err error) {
		res, err = closeRide(ctx, tx, rideID, status)
		return err
	})
	return res, err
}

// CloseRideWithEvent closes the ride and writes the resulting event to the
// outbox in one transaction.
func (p *PostgresRepository) CloseRideWithEvent(ctx context.Context, rideID uuid.UUID, status domain.RideStatus, event func(domain.CompletionResult) domain.RideEvent) (domain.CompletionResult, error) {
	if status == domain.RideActive {
		return domain.CompletionResult{}, domain.ErrInvalidTransition
	}
	var res domain.CompletionResult
	err := p.inTx(ctx, func(tx *sql.Tx) (err error) {
		if res, err = closeRide(ctx, tx, rideID, status); err != nil {
			return err
		}
		return p.insertOutbox(ctx, tx, event(res))
	})
	return res, err
}

func closeRide(ctx context.Context, tx *sql.Tx, rideID uuid.UUID, status domain.RideStatus) (domain.CompletionResult, error) {
	ride, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CompletionResult{}, fmt.Errorf("ride %s: %w", rideID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CompletionResult{}, fmt.Errorf("lock ride: %w", err)
	}
	if ride.Status != domain.RideActive {
		return domain.CompletionResult{}, domain.ErrInvalidTransition
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rides SET status = $1, available_seats = 0 WHERE id = $2`, string(status), rideID); err != nil {
		return domain.CompletionResult{}, fmt.Errorf("close ride: %w", err)
	}
	ride.Status = status
	ride.AvailableSeats = 0
	res := domain.CompletionResult{Ride: ride}

	rows, err := tx.QueryContext(ctx, `SELECT id, traveler_id, status FROM ride_requests
WHERE ride_id = $1 AND status IN ($2, $3) ORDER BY created_at, id`,
		rideID, string(domain.RequestPending), string(domain.RequestAccepted))
	if err != nil {
		return domain.CompletionResult{}, fmt.Errorf("select open requests: %w", err)
	}
	type openRequest struct {
		id, traveler uuid.UUID
		status       domain.RequestStatus
	}
	var open []openRequest
	for rows.Next() {
		var (
			r  openRequest
			st string
		)
		if err := rows.Scan(&r.id, &r.traveler, &st); err != nil {
			_ = rows.Close()
			return domain.CompletionResult{}, fmt.Errorf("scan open request: %w", err)
		}
		r.status = domain.RequestStatus(st)
		open = append(open, r)
	}
	if err := rows.Close(); err != nil {
		return domain.CompletionResult{}, fmt.Errorf("close rows: %w", err)
	}
	for _, r := range open {
		next, _ := settleRequest(r.status, status)
		if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status = $1 WHERE id = $2`, string(next), r.id); err != nil {
			return domain.CompletionResult{}, fmt.Errorf("settle request: %w", err)
		}
		if next == domain.RequestCompleted {
			res.CompletedTravelers = append(res.CompletedTravelers, r.traveler)
		} else {
			res.CancelledRequests = append(res.CancelledRequests, r.id)
		}
	}
	return res, nil
}

func (p *PostgresRepository) CreateRating(ctx context.Context, rating domain.Rating) (domain.Rating, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ratings (id, request_id, from_user_id, to_user_id, score, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rating.ID, rating.RequestID, rating.FromUserID, rating.ToUserID, rating.Score, rating.Comment, rating.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.Rating{}, domain.ErrAlreadyRated
	}
	if err != nil {
		return domain.Rating{}, fmt.Errorf("insert rating: %w", err)
	}
	return rating, nil
}

func (p *PostgresRepository) HasRated(ctx context.Context, requestID, fromUserID uuid.UUID) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ratings WHERE request_id = $1 AND from_user_id = $2)`,
		requestID, fromUserID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select rating: %w", err)
	}
	return exists, nil
}

func (p *PostgresRepository) AverageRating(ctx context.Context, userID uuid.UUID) (float64, bool, error) {
	var avg sql.NullFloat64
	if err := p.db.QueryRowContext(ctx, `SELECT AVG(score)::float8 FROM ratings WHERE to_user_id = $1`, userID).Scan(&avg); err != nil {
		return 0, false, fmt.Errorf("average rating: %w", err)
	}
	return avg.Float64, avg.Valid, nil
}

func (p *PostgresRepository) CountInteractions(ctx context.Context, travelerID, driverID uuid.UUID, statuses ...domain.RequestStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{travelerID, driverID}
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", i+3)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM ride_requests rr JOIN rides r ON r.id = rr.ride_id
WHERE rr.traveler_id = $1 AND r.driver_id = $2 AND rr.status IN (%s)`, strings.Join(placeholders, ","))
	var count int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return count, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish appends the event to the outbox table.
func (p *PostgresRepository) Publish(ctx context.Context, event domain.RideEvent) error {
	return p.insertOutbox(ctx, p.db, event)
}

func (p *PostgresRepository) insertOutbox(ctx context.Context, db execer, event domain.RideEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, p.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (p *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (domain.RideOffer, error) {
	var (
		ride   domain.RideOffer
		status string
	)
	err := row.Scan(&ride.ID, &ride.DriverID, &ride.StartLocation, &ride.EndLocation,
		&ride.Start.Lat, &ride.Start.Lng, &ride.End.Lat, &ride.End.Lng,
		&ride.DepartureTime, &ride.AvailableSeats, &ride.Price, &ride.VehicleType, &ride.VehicleNumber,
		&status, &ride.CreatedAt)
	if err != nil {
		return domain.RideOffer{}, err
	}
	ride.Status = domain.RideStatus(status)
	ride.DepartureTime = ride.DepartureTime.UTC()
	ride.CreatedAt = ride.CreatedAt.UTC()
	return ride, nil
}

func scanRequest(row rowScanner) (domain.RideRequest, error) {
	var (
		req      domain.RideRequest
		status   string
		lat, lng sql.NullFloat64
	)
	err := row.Scan(&req.ID, &req.RideID, &req.TravelerID, &status, &req.PickupLocation, &lat, &lng, &req.SeatsRequested, &req.CreatedAt)
	if err != nil {
		return domain.RideRequest{}, err
	}
	req.Status = domain.RequestStatus(status)
	if lat.Valid && lng.Valid {
		req.Pickup = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	req.CreatedAt = req.CreatedAt.UTC()
	return req, nil
}
