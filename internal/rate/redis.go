package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript checks every window first and only then increments, so a
// rejected request never consumes quota. KEYS[i] pairs with ARGV[2i-1]
// (limit) and ARGV[2i] (period in ms).
var hitScript = redis.NewScript(`
local retry = 0
for i = 1, #KEYS do
  local limit = tonumber(ARGV[2*i-1])
  local count = tonumber(redis.call("GET", KEYS[i]) or "0")
  if count >= limit then
    local ttl = redis.call("PTTL", KEYS[i])
    if ttl < 0 then
      ttl = tonumber(ARGV[2*i])
      redis.call("PEXPIRE", KEYS[i], ttl)
    end
    if ttl > retry then
      retry = ttl
    end
  end
end
if retry > 0 then
  return {0, retry}
end
for i = 1, #KEYS do
  local current = redis.call("INCR", KEYS[i])
  if current == 1 then
    redis.call("PEXPIRE", KEYS[i], ARGV[2*i])
  end
end
return {1, 0}
`)

// RedisStore shares counters between every server instance.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, timeout: 2 * time.Second}
}

func (r *RedisStore) Hit(ctx context.Context, counters []Counter) (Result, error) {
	if len(counters) == 0 {
		return Result{Allowed: true}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	keys := make([]string, len(counters))
	args := make([]any, 0, 2*len(counters))
	for i, c := range counters {
		keys[i] = c.Key
		args = append(args, c.Limit, c.Period.Milliseconds())
	}
	res, err := hitScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return Result{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Result{}, fmt.Errorf("unexpected rate script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	return Result{Allowed: allowed == 1, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}
