package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftproof/engine/pkg/auth"
)

// redisTokenBucketScript handles the token bucket algorithm atomically in
// Redis, so the limit holds across engine replicas.
// KEYS[1] = bucket key (e.g. "limiter:wkr-123")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

-- Retrieve current state
local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

-- Initialize if missing
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

-- Refill
local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

-- Consume
local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

-- Update state (expire in 60s to self-clean)
redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisWorkerLimiter rate-limits mutating requests per worker across all
// engine replicas.
type RedisWorkerLimiter struct {
	client *redis.Client
	rpm    int
	burst  int
}

// NewRedisWorkerLimiter creates a limiter backed by Redis.
func NewRedisWorkerLimiter(addr, password string, db, rpm, burst int) *RedisWorkerLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisWorkerLimiter{client: rdb, rpm: rpm, burst: burst}
}

// Allow executes the Lua script to check and update the token bucket.
func (l *RedisWorkerLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := fmt.Sprintf("limiter:%s", actorID)

	rate := float64(l.rpm) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, rate, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}

	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, nil
}

// Middleware enforces the per-worker limit on mutating requests. Limiter
// trouble fails open: a Redis outage must not take attendance down.
func (l *RedisWorkerLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := l.Allow(r.Context(), p.GetID())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
