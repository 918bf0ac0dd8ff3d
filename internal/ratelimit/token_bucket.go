package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Buckets are keyed per client so replicas of the switch share one budget.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script result %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	tokens, _ := strconv.ParseFloat(fmt.Sprint(arr[1]), 64)
	waitMs, _ := arr[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  tokens,
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Lua numbers are truncated to integers on return, so the token count comes back as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens), wait}
`)
