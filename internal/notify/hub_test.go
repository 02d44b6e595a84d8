package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/ride/domain"
)

const secret = "ws-secret"

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := auth.Issue(secret, userID, "traveler", time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubDeliversToParticipants(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(auth.Middleware(secret)(http.HandlerFunc(hub.ServeWS)))
	t.Cleanup(srv.Close)

	driver, traveler, bystander := uuid.New(), uuid.New(), uuid.New()
	driverConn := dial(t, srv, driver)
	dial(t, srv, bystander)
	require.Eventually(t, func() bool {
		return hub.Connections(driver) == 1 && hub.Connections(bystander) == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := domain.RideEvent{
		RideID:  uuid.New(),
		Type:    domain.EventSeatRequested,
		Payload: map[string]any{"driver_id": driver.String(), "traveler_id": traveler.String()},
	}
	require.NoError(t, hub.Publish(context.Background(), event))

	require.NoError(t, driverConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := driverConn.ReadMessage()
	require.NoError(t, err)
	var got domain.RideEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, domain.EventSeatRequested, got.Type)
	require.Equal(t, event.RideID, got.RideID)
}

func TestHubRejectsAnonymous(t *testing.T) {
	hub := NewHub(nil)
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHubForgetsClosedConnections(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(auth.Middleware(secret)(http.HandlerFunc(hub.ServeWS)))
	t.Cleanup(srv.Close)

	user := uuid.New()
	conn := dial(t, srv, user)
	require.Eventually(t, func() bool { return hub.Connections(user) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connections(user) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRecipients(t *testing.T) {
	driver, t1, t2 := uuid.New(), uuid.New(), uuid.New()
	got := Recipients(domain.RideEvent{Payload: map[string]any{
		"driver_id": driver.String(),
		"travelers": []any{t1.String(), t2.String(), "garbage", t1.String()},
	}})
	require.Equal(t, []uuid.UUID{driver, t1, t2}, got)

	require.Empty(t, Recipients(domain.RideEvent{}))
	require.Equal(t, []uuid.UUID{t2}, Recipients(domain.RideEvent{Payload: map[string]any{"to": t2.String()}}))
}
