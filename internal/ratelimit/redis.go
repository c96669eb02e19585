package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript increments the counter and arms its expiry on the first
// hit of a window. Returns {count, pttl}.
var incrWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// decrWindowScript decrements only a live, positive counter.
var decrWindowScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) > 0 then
    return redis.call('DECR', KEYS[1])
end
return 0
`)

var _ Store = (*RedisStore)(nil)

// RedisStore shares window counters between instances. The key's expiry is
// the window end.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("ratelimit: incr %s: unexpected reply %v", key, res)
	}
	return res[0], s.now().Add(time.Duration(res[1]) * time.Millisecond), nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := decrWindowScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("ratelimit: decr %s: %w", key, err)
	}
	return nil
}
