package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupLoggerLevel(t *testing.T) {
	logger := SetupLogger("ride-service", "debug")
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = SetupLogger("ride-service", "bogus")
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestMetricsRouter(t *testing.T) {
	healthy := MetricsRouter(map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")

	failing := MetricsRouter(map[string]HealthCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres")
}
