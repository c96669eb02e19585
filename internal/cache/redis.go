package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// setIfGenerationScript writes KEYS[1] only while KEYS[2] still holds ARGV[1].
// A non-zero generation is kept alive at least as long as the entry.
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
if gen ~= '0' then
    local left = redis.call('PTTL', KEYS[2])
    if left >= 0 and left < tonumber(ARGV[3]) then
        redis.call('PEXPIRE', KEYS[2], ARGV[3])
    end
end
return 1
`)

var _ Store = (*RedisStore)(nil)

// RedisStore shares cached responses between instances. Invalidation runs
// in a MULTI block so delete and generation bump land together.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	genTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "newsdesk:cache:"
	}
	return &RedisStore{client: client, prefix: prefix, genTTL: defaultGenerationTTL}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "e:" + key }
func (s *RedisStore) genKey(group string) string { return s.prefix + "g:" + group }

func (s *RedisStore) Get(ctx context.Context, key, group string) (*Entry, uint64, error) {
	vals, err := s.client.MGet(ctx, s.entryKey(key), s.genKey(group)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("cache: mget: %w", err)
	}
	var gen uint64
	if raw, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("cache: bad generation %q: %w", raw, err)
		}
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, gen, fmt.Errorf("cache: decode entry: %w", err)
	}
	return &e, gen, nil
}

func (s *RedisStore) SetIf(ctx context.Context, key, group string, gen uint64, e Entry, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("cache: encode entry: %w", err)
	}
	n, err := setIfGenerationScript.Run(ctx, s.client,
		[]string{s.entryKey(key), s.genKey(group)},
		strconv.FormatUint(gen, 10), payload, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cache: set: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, key, group string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if key != "" {
			pipe.Del(ctx, s.entryKey(key))
		}
		pipe.Incr(ctx, s.genKey(group))
		pipe.Expire(ctx, s.genKey(group), s.genTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
