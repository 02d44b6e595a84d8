package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/credits"
	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/service"
)

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 100
)

// HTTP exposes ride endpoints.
type HTTP struct {
	svc    *service.Service
	ledger credits.Ledger
	secret string
	logger *zap.Logger
}

// NewHTTP constructs a handler. Requests are authenticated with HMAC JWTs signed with secret.
func NewHTTP(svc *service.Service, ledger credits.Ledger, secret string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, ledger: ledger, secret: secret, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, string(domain.RoleRider), string(domain.RoleTraveler)))
		r.Put("/v1/users/me", h.registerUser)
		r.Get("/v1/matches", h.findMatches)
		r.Get("/v1/rides", h.listRides)
		r.Get("/v1/rides/nearby", h.nearbyRides)
		r.Get("/v1/rides/{id}", h.getRide)
		r.Post("/v1/rides", h.offerRide)
		r.Post("/v1/rides/{id}/requests", h.requestSeat)
		r.Post("/v1/rides/{id}/complete", h.completeRide)
		r.Post("/v1/rides/{id}/cancel", h.cancelRide)
		r.Post("/v1/requests/{id}/accept", h.respond(true))
		r.Post("/v1/requests/{id}/reject", h.respond(false))
		r.Post("/v1/requests/{id}/rating", h.rate)
		r.Get("/v1/leaderboard", h.leaderboard)
		r.Get("/v1/leaderboard/me", h.myPosition)
		r.Post("/v1/credits/redeem", h.redeem)
	})
	return r
}

// registerUser stores the caller's profile. The role comes from the token.
func (h *HTTP) registerUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	userID, _ := auth.UserIDFromContext(r.Context())
	var payload struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := h.svc.RegisterUser(r.Context(), userID, payload.Username, domain.Role(claims.Role))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *HTTP) findMatches(w http.ResponseWriter, r *http.Request) {
	req, ok := h.matchRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	endLat, hasEndLat, err := optionalFloat(q.Get("end_lat"))
	if err != nil {
		http.Error(w, "invalid end_lat", http.StatusBadRequest)
		return
	}
	endLon, hasEndLon, err := optionalFloat(q.Get("end_lon"))
	if err != nil {
		http.Error(w, "invalid end_lon", http.StatusBadRequest)
		return
	}
	if hasEndLat != hasEndLon {
		http.Error(w, "end_lat and end_lon must be given together", http.StatusBadRequest)
		return
	}
	if hasEndLat {
		req.End = &domain.GeoPoint{Lat: endLat, Lng: endLon}
	}
	req.Departure = q.Get("departure")

	results, err := h.svc.FindMatches(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *HTTP) nearbyRides(w http.ResponseWriter, r *http.Request) {
	req, ok := h.matchRequest(w, r)
	if !ok {
		return
	}
	results, err := h.svc.NearbyRides(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// matchRequest reads the caller, start point, radius and limit shared by the
// matching endpoints. Both start_lat/start_lon and lat/lon are accepted.
func (h *HTTP) matchRequest(w http.ResponseWriter, r *http.Request) (service.MatchRequest, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return service.MatchRequest{}, false
	}
	q := r.URL.Query()
	latRaw, lonRaw := q.Get("start_lat"), q.Get("start_lon")
	if latRaw == "" && lonRaw == "" {
		latRaw, lonRaw = q.Get("lat"), q.Get("lon")
	}
	lat, hasLat, errLat := optionalFloat(latRaw)
	lon, hasLon, errLon := optionalFloat(lonRaw)
	if errLat != nil || errLon != nil || !hasLat || !hasLon {
		http.Error(w, "start coordinates are required", http.StatusBadRequest)
		return service.MatchRequest{}, false
	}
	radius, _, err := optionalFloat(q.Get("radius"))
	if err != nil || radius < 0 {
		http.Error(w, "invalid radius", http.StatusBadRequest)
		return service.MatchRequest{}, false
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return service.MatchRequest{}, false
		}
	}
	return service.MatchRequest{
		TravelerID: userID,
		Start:      domain.GeoPoint{Lat: lat, Lng: lon},
		RadiusKM:   radius,
		Limit:      limit,
	}, true
}

func (h *HTTP) listRides(w http.ResponseWriter, r *http.Request) {
	rides, err := h.svc.ListActiveRides(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (h *HTTP) getRide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.GetRide(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *HTTP) offerRide(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	var payload service.OfferRideRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := h.svc.OfferRide(r.Context(), r.Header.Get("Idempotency-Key"), userID, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (h *HTTP) requestSeat(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	var payload service.SeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	req, err := h.svc.RequestSeat(r.Context(), userID, rideID, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *HTTP) completeRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.CompleteRide(r.Context(), userID, rideID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Ride)
}

func (h *HTTP) cancelRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.CancelRide(r.Context(), userID, rideID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Ride)
}

func (h *HTTP) respond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := pathID(w, r)
		if !ok {
			return
		}
		userID, _ := auth.UserIDFromContext(r.Context())
		req, err := h.svc.RespondToRequest(r.Context(), userID, requestID, accept)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (h *HTTP) rate(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	var payload struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rating, err := h.svc.RateUser(r.Context(), userID, requestID, payload.Score, payload.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (h *HTTP) leaderboard(w http.ResponseWriter, r *http.Request) {
	n := defaultLeaderboardSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxLeaderboardSize)
	}
	entries, err := h.ledger.Top(r.Context(), n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *HTTP) myPosition(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	entry, _, err := h.ledger.Position(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *HTTP) redeem(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	balance, err := h.ledger.Redeem(r.Context(), userID, payload.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"credits": balance})
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrNotRider), errors.Is(err, domain.ErrOwnRide):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotEnoughSeats),
		errors.Is(err, domain.ErrAlreadyRated), errors.Is(err, credits.ErrInsufficientCredits):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidRating), errors.Is(err, credits.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func optionalFloat(raw string) (float64, bool, error) {
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("%q is not a finite number", raw)
	}
	return v, true, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
