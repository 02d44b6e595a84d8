package middleware

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// RateLimits holds one token bucket configuration per scope. Match covers the
// matching endpoints, which are far more expensive than plain reads.
type RateLimits struct {
	Read  RateConfig
	Write RateConfig
	Match RateConfig
}

// MatchPaths are routed to the match bucket.
var MatchPaths = []string{"/v1/matches", "/v1/rides/nearby"}

type RateLimiter struct {
	client    redis.Cmdable
	limits    RateLimits
	luaScript *redis.Script
	now       func() time.Time
}

// NewRateLimiter returns nil without a Redis client; a nil limiter passes every request.
func NewRateLimiter(client redis.Cmdable, limits RateLimits) *RateLimiter {
	if client == nil {
		return nil
	}
	return &RateLimiter{
		client:    client,
		limits:    limits,
		luaScript: redis.NewScript(tokenBucketLua),
		now:       time.Now,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.limits.Read.enabled() && !l.limits.Write.enabled() && !l.limits.Match.enabled()) {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := l.scopeFor(r)
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		identifier := clientIdentifier(r)
		if identifier == "" {
			identifier = "anonymous"
		}
		allowed, retryAfter, err := l.allow(r.Context(), scope, identifier, cfg)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) scopeFor(r *http.Request) (string, RateConfig) {
	for _, p := range MatchPaths {
		if strings.HasPrefix(r.URL.Path, p) {
			return "match", l.limits.Match
		}
	}
	if isReadMethod(r.Method) {
		return "read", l.limits.Read
	}
	return "write", l.limits.Write
}

func (l *RateLimiter) allow(ctx context.Context, scope string, identifier string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{"rl", scope, identifier}, ":")
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, errors.New("invalid redis response")
	}

	allowedInt, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	waitMillis, err := toInt64(values[1])
	if err != nil {
		return false, 0, err
	}
	if allowedInt != 1 {
		return false, time.Duration(waitMillis) * time.Millisecond, nil
	}
	return true, 0, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

// Redis truncates Lua numbers in replies, so the wait is returned in whole
// milliseconds.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 then
  return {1, 0}
end

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta < 0 then
  delta = 0
end
local refill = delta * rate / 1000
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now_ms
end

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', tostring(last))
redis.call('PEXPIRE', key, math.ceil((capacity / rate) * 1000))

if allowed then
  return {1, 0}
end
return {0, wait_ms}
`
