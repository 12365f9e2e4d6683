// Package ratelimiter bounds per-session message throughput with a Redis
// token bucket. The bucket state lives in a Redis hash and is refilled and
// debited atomically by a Lua script, so every gateway replica sees the same
// budget for a session.
package ratelimiter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a session may send another message.
type Limiter interface {
	// Allow debits one message from the session's bucket. When denied,
	// retryAfter estimates how long until the next message would pass.
	Allow(ctx context.Context, sessionID string) (allowed bool, retryAfter time.Duration, err error)
}

// tokenBucketScript refills by elapsed time, then debits one token. Returns
// {allowed, retry_after_seconds}.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] then
  tokens = tonumber(data[1])
end
if data[2] then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, ttl)

return { allowed, tostring(retry_after) }
`

// RedisLuaLimiter implements Limiter on a shared Redis instance. A nil
// limiter allows everything, so callers can hold one unconditionally.
type RedisLuaLimiter struct {
	rdb        *redis.Client
	script     *redis.Script
	capacity   int64
	refillRate float64
	now        func() time.Time
}

// NewPerMinute builds a limiter that admits perMinute messages per session
// with burst capacity equal to the per-minute budget. perMinute <= 0 disables
// limiting.
func NewPerMinute(rdb *redis.Client, perMinute int) *RedisLuaLimiter {
	if rdb == nil || perMinute <= 0 {
		return nil
	}
	return &RedisLuaLimiter{
		rdb:        rdb,
		script:     redis.NewScript(tokenBucketScript),
		capacity:   int64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		now:        time.Now,
	}
}

// Allow debits one message from the session's bucket. Redis failures fail
// open: the session budget is a courtesy bound, not a security boundary, and
// a Redis outage must not silence the assistant.
func (l *RedisLuaLimiter) Allow(ctx context.Context, sessionID string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	nowSec := float64(l.now().UnixNano()) / 1e9
	// Bucket expires once idle long enough to refill fully.
	ttlSec := int64(float64(l.capacity)/l.refillRate) + 60

	res, err := l.script.Run(ctx, l.rdb, []string{"rate:session:" + sessionID},
		l.capacity, l.refillRate, nowSec, ttlSec).Result()
	if err != nil {
		slog.Error("rate limiter script failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]any)
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[1]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
