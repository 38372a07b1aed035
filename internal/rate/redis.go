package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "lrsql:admin:rl:"

// Counter and expiry are set atomically in one script so a crash
// between INCR and PEXPIRE cannot leave a key that never expires.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local current = redis.call("INCR", key)
if current == 1 then
  redis.call("PEXPIRE", key, window_ms)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
  ttl = window_ms
end

if current > limit then
  return {0, ttl}
end
return {1, ttl}
`)

// RedisLimiter is a fixed-window limiter shared across instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: prefix}
}

// Allow counts one attempt for key. The now argument is unused; Redis
// owns the window clock.
func (l *RedisLimiter) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	windowMS := l.window.Milliseconds()
	if windowMS <= 0 {
		return false, 0, fmt.Errorf("invalid rate limit window %v", l.window)
	}

	res, err := allowScript.Run(ctx, l.client, []string{l.prefix + key}, l.limit, windowMS).Result()
	if err != nil {
		return false, 0, err
	}
	allowed, ttlMS, err := decodeAllowReply(res)
	if err != nil {
		return false, 0, err
	}

	retryAfter := time.Duration(ttlMS) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return allowed, retryAfter, nil
}

// decodeAllowReply unpacks the {allowed, ttl_ms} pair the script
// returns.
func decodeAllowReply(res interface{}) (bool, int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %T", res)
	}
	flag, ok := vals[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected rate limit flag %T", vals[0])
	}
	ttl, ok := vals[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected rate limit ttl %T", vals[1])
	}
	return flag == 1, ttl, nil
}
