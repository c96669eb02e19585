package ratelimit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"newsdesk.org/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newMemoryLimiter(t *testing.T, classes ...Class) (*Limiter, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(0, WithMemoryClock(clock.Now))
	l, err := New(store, classes, WithClock(clock.Now), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, store, clock
}

func TestCheckAdmitsExactlyMax(t *testing.T) {
	l, _, _ := newMemoryLimiter(t, Class{Name: "test", Max: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, "1.2.3.4", "test")
		if err != nil {
			t.Fatalf("Check #%d: %v", i, err)
		}
		if want := i <= 3; d.Allowed != want {
			t.Fatalf("Check #%d allowed=%v, want %v", i, d.Allowed, want)
		}
		if d.Limit != 3 {
			t.Fatalf("limit = %d", d.Limit)
		}
		if wantRem := 3 - i; wantRem >= 0 && d.Remaining != wantRem {
			t.Fatalf("Check #%d remaining=%d, want %d", i, d.Remaining, wantRem)
		}
		if !d.Allowed && (d.RetryAfter != time.Minute || d.Remaining != 0) {
			t.Fatalf("denied decision = %+v", d)
		}
	}
}

func TestCheckKeysAndClassesAreIndependent(t *testing.T) {
	l, _, _ := newMemoryLimiter(t,
		Class{Name: "a", Max: 1, Window: time.Minute},
		Class{Name: "b", Max: 1, Window: time.Minute},
	)
	ctx := context.Background()
	for _, tc := range []struct{ key, class string }{{"k1", "a"}, {"k2", "a"}, {"k1", "b"}} {
		d, err := l.Check(ctx, tc.key, tc.class)
		if err != nil || !d.Allowed {
			t.Fatalf("Check(%s,%s) = %+v, %v", tc.key, tc.class, d, err)
		}
	}
	if d, _ := l.Check(ctx, "k1", "a"); d.Allowed {
		t.Fatalf("second hit for k1/a allowed")
	}
}

func TestWindowResets(t *testing.T) {
	l, _, clock := newMemoryLimiter(t, Class{Name: "test", Max: 2, Window: 15 * time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = l.Check(ctx, "k", "test")
	}
	clock.Advance(15*time.Minute - time.Millisecond)
	if d, _ := l.Check(ctx, "k", "test"); d.Allowed {
		t.Fatalf("allowed before window end")
	}
	if d, _ := l.Check(ctx, "k", "test"); d.RetryAfter != time.Millisecond || d.ResetIn != time.Millisecond {
		t.Fatalf("retry after = %v, reset in = %v, want 1ms", d.RetryAfter, d.ResetIn)
	}
	clock.Advance(2 * time.Millisecond)
	d, err := l.Check(ctx, "k", "test")
	if err != nil || !d.Allowed || d.Remaining != 1 {
		t.Fatalf("after reset = %+v, %v", d, err)
	}
}

func TestConcurrentChecksAreLinearizable(t *testing.T) {
	l, _, _ := newMemoryLimiter(t, Class{Name: "test", Max: 50, Window: time.Hour})
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "hot", "test")
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed %d requests, want 50", got)
	}
}

func TestReleaseSkipsSuccessful(t *testing.T) {
	l, _, _ := newMemoryLimiter(t, ClassesFromConfig(config.RateLimits{
		General:       config.Quota{Max: 100, Window: 15 * time.Minute},
		Auth:          config.Quota{Max: 5, Window: 15 * time.Minute},
		Upload:        config.Quota{Max: 20, Window: time.Hour},
		CreateArticle: config.Quota{Max: 10, Window: time.Hour},
		Comment:       config.Quota{Max: 10, Window: 15 * time.Minute},
	})...)
	ctx := context.Background()

	c, ok := l.Class(ClassAuth)
	if !ok || !c.SkipSuccessful {
		t.Fatalf("auth class = %+v, %v", c, ok)
	}
	// ten successful logins never exhaust the quota
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "ip", ClassAuth)
		if err != nil || !d.Allowed {
			t.Fatalf("successful attempt %d denied: %+v, %v", i, d, err)
		}
		l.Release(ctx, "ip", ClassAuth)
	}
	for i := 0; i < 5; i++ {
		if d, _ := l.Check(ctx, "ip", ClassAuth); !d.Allowed {
			t.Fatalf("failed attempt %d denied early", i)
		}
	}
	d, _ := l.Check(ctx, "ip", ClassAuth)
	if d.Allowed {
		t.Fatalf("sixth failed attempt allowed")
	}
	if d.Message == "" {
		t.Fatalf("denial without message")
	}
}

func TestUnknownClass(t *testing.T) {
	l, _, _ := newMemoryLimiter(t, Class{Name: "test", Max: 1, Window: time.Minute})
	if _, err := l.Check(context.Background(), "k", "nope"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

func TestNewRejectsInvalidClass(t *testing.T) {
	if _, err := New(NewMemoryStore(0), []Class{{Name: "bad", Max: 0, Window: time.Minute}}); err == nil {
		t.Fatalf("expected error for zero max")
	}
}

type failingStore struct{ calls atomic.Int64 }

func (f *failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	f.calls.Add(1)
	return 0, time.Time{}, errors.New("connection refused")
}

func (f *failingStore) Decr(context.Context, string) error {
	f.calls.Add(1)
	return errors.New("connection refused")
}

func TestStoreFailureFailsOpen(t *testing.T) {
	store := &failingStore{}
	l, err := New(store, []Class{{Name: "test", Max: 1, Window: time.Minute}}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 20; i++ {
		d, err := l.Check(context.Background(), "k", "test")
		if err != nil || !d.Allowed {
			t.Fatalf("Check #%d = %+v, %v; want allowed", i, d, err)
		}
	}
	if got := store.calls.Load(); got >= 20 {
		t.Fatalf("breaker never opened: %d store calls", got)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(0, WithMemoryClock(clock.Now))
	defer s.Close()
	ctx := context.Background()
	_, _, _ = s.Incr(ctx, "a", time.Minute)
	_, _, _ = s.Incr(ctx, "b", time.Hour)
	clock.Advance(2 * time.Minute)
	s.Sweep()
	if n := s.Len(); n != 1 {
		t.Fatalf("Len after sweep = %d, want 1", n)
	}
}

func TestRedisStoreWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l, err := New(NewRedisStore(rdb), []Class{{Name: "test", Max: 2, Window: time.Minute}},
		WithKeyPrefix("t:"), WithLogger(quietLogger()), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		d, err := l.Check(ctx, "k", "test")
		if err != nil {
			t.Fatalf("Check #%d: %v", i, err)
		}
		if d.Allowed != want {
			t.Fatalf("Check #%d allowed=%v, want %v", i, d.Allowed, want)
		}
	}
	if ttl := mr.TTL("t:test:k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	l.Release(ctx, "k", "test")
	if v, _ := mr.Get("t:test:k"); v != "2" {
		t.Fatalf("count after release = %q, want 2", v)
	}

	mr.FastForward(time.Minute + time.Millisecond)
	d, err := l.Check(ctx, "k", "test")
	if err != nil || !d.Allowed || d.Remaining != 1 {
		t.Fatalf("after window = %+v, %v", d, err)
	}
}

func TestRedisStoreDecrMissingKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	if err := NewRedisStore(rdb).Decr(context.Background(), "absent"); err != nil {
		t.Fatalf("Decr: %v", err)
	}
	if mr.Exists("absent") {
		t.Fatalf("Decr created a key")
	}
}
