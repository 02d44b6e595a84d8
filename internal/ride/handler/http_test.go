package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/credits"
	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/matching"
	"github.com/example/greenride/internal/ride/repository"
	"github.com/example/greenride/internal/ride/service"
)

const testSecret = "handler-secret"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fixture struct {
	server   *httptest.Server
	repo     *repository.MemoryRepository
	ledger   *credits.MemoryLedger
	driver   domain.User
	traveler domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := fixedClock{t: testNow}
	matcher, err := matching.NewMatcher(repo, repo, repo, repo, clock, zap.NewNop(), matching.MatcherConfig{})
	require.NoError(t, err)
	svc, err := service.New(service.Dependencies{
		Repo:        repo,
		Matcher:     matcher,
		Idempotency: repository.NewMemoryIdempotencyRepo(0, clock),
		Clock:       clock,
	}, service.Config{})
	require.NoError(t, err)

	f := &fixture{
		repo:     repo,
		ledger:   credits.NewMemoryLedger(),
		driver:   domain.User{ID: uuid.New(), Username: "dora", Role: domain.RoleRider},
		traveler: domain.User{ID: uuid.New(), Username: "tomas", Role: domain.RoleTraveler},
	}
	for _, u := range []domain.User{f.driver, f.traveler} {
		_, err := repo.CreateUser(ctx, u)
		require.NoError(t, err)
	}
	f.server = httptest.NewServer(NewHTTP(svc, f.ledger, testSecret, zap.NewNop()).Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, user domain.User, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	token, err := auth.Issue(testSecret, user.ID, string(user.Role), time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) offer(t *testing.T, key string) domain.RideOffer {
	t.Helper()
	resp := f.do(t, f.driver, http.MethodPost, "/v1/rides", service.OfferRideRequest{
		StartLocation:  "Berlin",
		EndLocation:    "Potsdam",
		Start:          domain.GeoPoint{Lat: 52.52, Lng: 13.405},
		End:            domain.GeoPoint{Lat: 52.3906, Lng: 13.0645},
		DepartureTime:  testNow.Add(2 * time.Hour),
		AvailableSeats: 2,
		Price:          9,
	}, "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[domain.RideOffer](t, resp)
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/v1/rides")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOfferRideIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.offer(t, "key-1")
	second := f.offer(t, "key-1")
	require.Equal(t, first.ID, second.ID)

	resp := f.do(t, f.driver, http.MethodGet, "/v1/rides", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]domain.RideOffer](t, resp), 1)

	resp = f.do(t, f.traveler, http.MethodPost, "/v1/rides", service.OfferRideRequest{}, "Idempotency-Key", "key-2")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOfferRideKeyIsNotSharedBetweenDrivers(t *testing.T) {
	f := newFixture(t)
	first := f.offer(t, "shared")

	otto := domain.User{ID: uuid.New(), Username: "otto", Role: domain.RoleRider}
	_, err := f.repo.CreateUser(context.Background(), otto)
	require.NoError(t, err)
	resp := f.do(t, otto, http.MethodPost, "/v1/rides", service.OfferRideRequest{
		StartLocation:  "Berlin",
		EndLocation:    "Potsdam",
		Start:          domain.GeoPoint{Lat: 52.52, Lng: 13.405},
		End:            domain.GeoPoint{Lat: 52.3906, Lng: 13.0645},
		DepartureTime:  testNow.Add(3 * time.Hour),
		AvailableSeats: 1,
	}, "Idempotency-Key", "shared")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decode[domain.RideOffer](t, resp)
	require.NotEqual(t, first.ID, got.ID)
	require.Equal(t, otto.ID, got.DriverID)
}

func TestFindMatchesEndpoint(t *testing.T) {
	f := newFixture(t)
	ride := f.offer(t, "")

	resp := f.do(t, f.traveler, http.MethodGet,
		"/v1/matches?start_lat=52.52&start_lon=13.405&end_lat=52.3906&end_lon=13.0645&departure=2026-05-04T10:00", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[[]service.MatchResult](t, resp)
	require.Len(t, results, 1)
	require.Equal(t, ride.ID, results[0].RideID)
	require.NotNil(t, results[0].MatchScore)

	resp = f.do(t, f.traveler, http.MethodGet, "/v1/rides/nearby?lat=52.5&lon=13.4&radius=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nearby := decode[[]service.MatchResult](t, resp)
	require.Len(t, nearby, 1)
	require.Nil(t, nearby[0].MatchScore)
}

func TestFindMatchesValidation(t *testing.T) {
	f := newFixture(t)
	for _, query := range []string{
		"",
		"start_lat=abc&start_lon=1",
		"start_lat=1&start_lon=1&end_lat=2",
		"start_lat=1&start_lon=1&radius=-1",
		"start_lat=1&start_lon=1&limit=x",
		"start_lat=NaN&start_lon=13.405&end_lat=52.3906&end_lon=13.0645",
		"start_lat=52.52&start_lon=13.405&end_lat=52.3906&end_lon=Inf",
		"start_lat=52.52&start_lon=13.405&end_lat=52.3906&end_lon=13.0645&radius=NaN",
		"start_lat=91&start_lon=13.405&end_lat=52.3906&end_lon=13.0645",
		"lat=91&lon=13.4",
	} {
		resp := f.do(t, f.traveler, http.MethodGet, "/v1/matches?"+query, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestRideLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	ride := f.offer(t, "")

	resp := f.do(t, f.traveler, http.MethodPost, fmt.Sprintf("/v1/rides/%s/requests", ride.ID), service.SeatRequest{Seats: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := decode[domain.RideRequest](t, resp)
	require.Equal(t, domain.RequestPending, req.Status)

	resp = f.do(t, f.driver, http.MethodPost, fmt.Sprintf("/v1/rides/%s/requests", ride.ID), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, f.traveler, http.MethodPost, fmt.Sprintf("/v1/requests/%s/accept", req.ID), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, f.driver, http.MethodPost, fmt.Sprintf("/v1/requests/%s/accept", req.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.RequestAccepted, decode[domain.RideRequest](t, resp).Status)

	resp = f.do(t, f.driver, http.MethodPost, fmt.Sprintf("/v1/requests/%s/reject", req.ID), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, f.traveler, http.MethodPost, fmt.Sprintf("/v1/requests/%s/rating", req.ID), map[string]any{"score": 5})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, f.driver, http.MethodPost, fmt.Sprintf("/v1/rides/%s/complete", ride.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.RideCompleted, decode[domain.RideOffer](t, resp).Status)

	resp = f.do(t, f.traveler, http.MethodPost, fmt.Sprintf("/v1/requests/%s/rating", req.ID), map[string]any{"score": 9})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, f.traveler, http.MethodPost, fmt.Sprintf("/v1/requests/%s/rating", req.ID), map[string]any{"score": 5, "comment": "smooth"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rating := decode[domain.Rating](t, resp)
	require.Equal(t, f.driver.ID, rating.ToUserID)

	resp = f.do(t, f.traveler, http.MethodPost, fmt.Sprintf("/v1/requests/%s/rating", req.ID), map[string]any{"score": 4})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, f.driver, http.MethodPost, fmt.Sprintf("/v1/rides/%s/cancel", ride.ID), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetRideErrors(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, f.traveler, http.MethodGet, "/v1/rides/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, f.traveler, http.MethodGet, "/v1/rides/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLeaderboardEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AwardOnce(ctx, "a", f.traveler.ID, 30)
	require.NoError(t, err)
	_, err = f.ledger.AwardOnce(ctx, "b", f.driver.ID, 10)
	require.NoError(t, err)

	resp := f.do(t, f.traveler, http.MethodGet, "/v1/leaderboard?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]credits.Entry](t, resp)
	require.Len(t, entries, 2)
	require.Equal(t, f.traveler.ID, entries[0].UserID)

	resp = f.do(t, f.driver, http.MethodGet, "/v1/leaderboard/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[credits.Entry](t, resp)
	require.EqualValues(t, 10, me.Credits)
	require.EqualValues(t, 2, me.Rank)

	resp = f.do(t, f.traveler, http.MethodPost, "/v1/credits/redeem", map[string]any{"amount": 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 10, decode[map[string]int64](t, resp)["credits"])

	resp = f.do(t, f.traveler, http.MethodPost, "/v1/credits/redeem", map[string]any{"amount": 50})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, f.traveler, http.MethodGet, "/v1/leaderboard?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterUserEndpoint(t *testing.T) {
	f := newFixture(t)
	newcomer := domain.User{ID: uuid.New(), Role: domain.RoleRider}

	resp := f.do(t, newcomer, http.MethodPut, "/v1/users/me", map[string]string{"username": "rita"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := decode[domain.User](t, resp)
	require.Equal(t, newcomer.ID, user.ID)
	require.Equal(t, domain.RoleRider, user.Role)

	stored, err := f.repo.GetUser(context.Background(), newcomer.ID)
	require.NoError(t, err)
	require.Equal(t, "rita", stored.Username)

	resp = f.do(t, newcomer, http.MethodPut, "/v1/users/me", map[string]string{"username": " "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
