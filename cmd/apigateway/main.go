package main

import (
	"context"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/config"
	ratelimitmw "github.com/example/greenride/internal/http/middleware"
	"github.com/example/greenride/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger("api-gateway", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	redisClient := newRedisClient(ctx, cfg.RedisAddr, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	var limiter *ratelimitmw.RateLimiter
	if redisClient != nil {
		limiter = ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.RateLimits{
			Read:  ratelimitmw.RateConfig{Rate: cfg.Rate.ReadRPS, Burst: cfg.Rate.ReadBurst},
			Write: ratelimitmw.RateConfig{Rate: cfg.Rate.WriteRPS, Burst: cfg.Rate.WriteBurst},
			Match: ratelimitmw.RateConfig{Rate: cfg.Rate.MatchRPS, Burst: cfg.Rate.MatchBurst},
		})
	} else {
		logger.Warn("rate limiting disabled without redis")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(nil))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret), clientFromToken, limiter.Middleware)
		r.Handle("/v1/*", proxy(cfg.RideServiceURL))
	})

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// clientFromToken keys rate limits on the authenticated user.
func clientFromToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := auth.UserIDFromContext(r.Context()); ok {
			r.Header.Set("X-Client-ID", id.String())
		}
		next.ServeHTTP(w, r)
	})
}

func proxy(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := target + r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func newRedisClient(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
