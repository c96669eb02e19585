package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRevocations(t *testing.T, r Revocations) {
	t.Helper()
	ctx := context.Background()

	ok, err := r.Consume(ctx, "jti-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Consume = %v, %v", ok, err)
	}
	ok, err = r.Consume(ctx, "jti-1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second Consume = %v, %v; want false", ok, err)
	}

	if _, found, err := r.RevokedAt(ctx, "u1"); err != nil || found {
		t.Fatalf("RevokedAt before revoke = %v, %v", found, err)
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := r.RevokeUser(ctx, "u1", at, time.Hour); err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	got, found, err := r.RevokedAt(ctx, "u1")
	if err != nil || !found || !got.Equal(at) {
		t.Fatalf("RevokedAt = %v, %v, %v; want %v", got, found, err, at)
	}
}

func TestMemoryRevocations(t *testing.T) {
	testRevocations(t, NewMemoryRevocations(time.Minute))
}

func TestRedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisRevocations(rdb, "test:")
	testRevocations(t, r)

	if ttl := mr.TTL("test:jti:jti-1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl on consumed jti: %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	ok, err := r.Consume(context.Background(), "jti-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Consume after expiry = %v, %v", ok, err)
	}
}
