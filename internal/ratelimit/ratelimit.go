// Package ratelimit throttles requests with a token bucket kept in Redis.
// Redis errors let the request through.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/insurepro/apiserver/config"
	"github.com/redis/go-redis/v9"
)

var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 then
	local intervals = math.floor(math.max(0, now_ms - last_refill) / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + intervals * interval_ms
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens, retry_after_ms }
`)

type evalFunc func(ctx context.Context, key string, args ...any) (any, error)

// Limiter builds per-scope rate limiting middleware.
type Limiter struct {
	cfg    config.RateLimitConfig
	eval   evalFunc
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, cfg config.RateLimitConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// New returns a limiter. A nil client or a disabled config yields a limiter
// whose middleware passes every request.
func New(cfg config.RateLimitConfig, rdb *redis.Client) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	l := &Limiter{cfg: cfg, now: time.Now, logger: slog.Default()}
	if cfg.Enabled && rdb != nil {
		l.eval = func(ctx context.Context, key string, args ...any) (any, error) {
			return tokenBucket.Run(ctx, rdb, []string{key}, args...).Result()
		}
	}
	return l
}

func (l *Limiter) ttl() time.Duration {
	ttl := time.Duration(l.cfg.Capacity) * l.cfg.RefillInterval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Limit throttles requests per client IP within scope.
func (l *Limiter) Limit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l.eval == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.Join([]string{l.cfg.Prefix, scope, clientIP(r)}, ":")
			res, err := l.eval(r.Context(), key,
				l.now().UnixMilli(),
				l.cfg.Capacity,
				l.cfg.RefillInterval.Milliseconds(),
				int64(l.ttl()/time.Second),
			)
			if err != nil {
				l.logger.Warn("rate limit check failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			arr, ok := res.([]any)
			if !ok || len(arr) != 3 {
				l.logger.Warn("unexpected rate limit result", "key", key, "result", res)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(asInt64(arr[1]), 10))
			if asInt64(arr[0]) != 1 {
				secs := int(math.Ceil(float64(asInt64(arr[2])) / 1000))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"message": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
