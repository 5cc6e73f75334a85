// Package ratelimiter throttles job submissions per user with a Redis-backed
// token bucket. The bucket state lives in Redis so every replica of the
// service shares one budget per user.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one submission may proceed for the given user.
type Limiter interface {
	Allow(ctx context.Context, userID int64) (allowed bool, retryAfter time.Duration, err error)
}

// Bucket holds the token bucket parameters shared by all users.
type Bucket struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// BucketPerMinute builds a bucket that admits perMinute submissions in steady
// state and the same number in a burst.
func BucketPerMinute(perMinute int) Bucket {
	if perMinute <= 0 {
		return Bucket{}
	}
	return Bucket{Capacity: int64(perMinute), RefillRate: float64(perMinute) / 60.0}
}

// SubmitLimiter is a Redis Lua token bucket keyed by user id. A nil
// SubmitLimiter allows everything, so callers need no guard when limiting is
// not configured.
type SubmitLimiter struct {
	redis  *redis.Client
	bucket Bucket
	script *redis.Script
}

// NewSubmitLimiter constructs a SubmitLimiter; returns nil when rdb is nil or
// the bucket is disabled.
func NewSubmitLimiter(rdb *redis.Client, bucket Bucket) *SubmitLimiter {
	if rdb == nil || bucket.Capacity <= 0 || bucket.RefillRate <= 0 {
		return nil
	}
	return &SubmitLimiter{
		redis:  rdb,
		bucket: bucket,
		script: redis.NewScript(luaTokenBucketScript),
	}
}

// The script refills, charges and persists the bucket in one atomic step, so
// concurrent submissions from one user never overdraw it.
const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / refill_rate) * 2)

return { allowed, retry_after }
`

// Allow charges one token from the user's bucket. Redis outages fail open so
// the broker and ledger, not the limiter, decide availability.
func (l *SubmitLimiter) Allow(ctx context.Context, userID int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}

	key := fmt.Sprintf("submit:user:%d", userID)
	nowSec := float64(time.Now().UnixNano()) / 1e9

	res, err := l.script.Run(ctx, l.redis, []string{key}, l.bucket.Capacity, l.bucket.RefillRate, nowSec).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.Int64("user_id", userID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.Int64("user_id", userID), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[1]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
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

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		var f float64
		fmt.Sscanf(t, "%f", &f)
		return f
	default:
		return 0
	}
}
