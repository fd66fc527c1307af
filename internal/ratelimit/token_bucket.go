package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

-- tokens is returned in milli-tokens; lua numbers are truncated to integers on the way out
return {allowed, math.floor(tokens * 1000)}
`

var (
	ErrNotConfigured = errors.New("rate limiter not configured")
	ErrInvalidRule   = errors.New("rate limit rule must be positive")
)

// Rule is a refill rate in tokens per second and a bucket capacity.
type Rule struct {
	Rate  float64
	Burst int
}

func (r Rule) valid() bool {
	return r.Rate > 0 && r.Burst > 0
}

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket keeps one bucket per key in Redis. Refill and take run atomically in a script
// against the Redis clock so every replica shares the same view.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rule Rule) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, ErrNotConfigured
	}
	if key == "" {
		return Result{}, errors.New("rate limiter key is empty")
	}
	if !rule.valid() {
		return Result{}, ErrInvalidRule
	}

	ttl := bucketTTL(rule)
	res, err := t.script.Run(ctx, t.client, []string{key}, rule.Rate, rule.Burst, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	remaining := float64(res[1]) / 1000
	result := Result{
		Allowed:   res[0] == 1,
		Remaining: int(remaining),
	}
	if !result.Allowed {
		result.RetryAfter = time.Duration(((1 - remaining) / rule.Rate) * float64(time.Second))
	}
	return result, nil
}

// bucketTTL keeps an idle bucket long enough to refill twice.
func bucketTTL(rule Rule) time.Duration {
	seconds := math.Ceil((float64(rule.Burst) / rule.Rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
