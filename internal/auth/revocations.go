package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Revocations tracks consumed refresh tokens and per-user cut-off times.
// It is optional; without it refresh tokens stay stateless.
type Revocations interface {
	// Consume marks jti as used. It reports false if jti was already consumed.
	Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	// RevokeUser rejects refresh tokens issued for userID before at.
	RevokeUser(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	// RevokedAt returns the cut-off for userID, if any.
	RevokedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

// MemoryRevocations is a process-local Revocations backed by go-cache.
type MemoryRevocations struct {
	c *gocache.Cache
}

func NewMemoryRevocations(cleanup time.Duration) *MemoryRevocations {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryRevocations{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *MemoryRevocations) Consume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, nil
	}
	if err := m.c.Add("jti:"+jti, struct{}{}, positive(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryRevocations) RevokeUser(_ context.Context, userID string, at time.Time, ttl time.Duration) error {
	m.c.Set("user:"+userID, at, positive(ttl))
	return nil
}

func (m *MemoryRevocations) RevokedAt(_ context.Context, userID string) (time.Time, bool, error) {
	v, ok := m.c.Get("user:" + userID)
	if !ok {
		return time.Time{}, false, nil
	}
	at, ok := v.(time.Time)
	return at, ok, nil
}

// RedisRevocations shares revocation state across instances.
type RedisRevocations struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisRevocations(rdb redis.UniversalClient, prefix string) *RedisRevocations {
	if prefix == "" {
		prefix = "newsdesk:auth:"
	}
	return &RedisRevocations{rdb: rdb, prefix: prefix}
}

func (r *RedisRevocations) Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, nil
	}
	return r.rdb.SetNX(ctx, r.prefix+"jti:"+jti, 1, positive(ttl)).Result()
}

func (r *RedisRevocations) RevokeUser(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.prefix+"user:"+userID, at.UnixNano(), positive(ttl)).Err()
}

func (r *RedisRevocations) RevokedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := r.rdb.Get(ctx, r.prefix+"user:"+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns), true, nil
}

// positive keeps a minimal TTL so an entry never becomes permanent.
func positive(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}
