// Package cache is a cache-aside layer for read endpoints with explicit
// invalidation by writes. Store failures degrade to misses.
package cache

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"newsdesk.org/internal/obs"
)

const defaultTimeout = 250 * time.Millisecond

// Key identifies one cached response. Query parameters are used as sent;
// ?a=1&b=2 and ?b=2&a=1 are different keys.
type Key struct {
	Method   string
	Path     string
	RawQuery string
}

// NewKey derives the key for a request target.
func NewKey(method string, u *url.URL) Key {
	return Key{Method: method, Path: u.Path, RawQuery: u.RawQuery}
}

// String is the storage key: method, path and query.
func (k Key) String() string {
	if k.RawQuery == "" {
		return k.Method + " " + k.Path
	}
	return k.Method + " " + k.Path + "?" + k.RawQuery
}

// Group is the invalidation unit: method and path without query.
func (k Key) Group() string {
	return k.Method + " " + k.Path
}

// Entry is a cached response.
type Entry struct {
	Status      int           `json:"status"`
	ContentType string        `json:"content_type,omitempty"`
	Body        []byte        `json:"body"`
	StoredAt    time.Time     `json:"stored_at"`
	TTL         time.Duration `json:"ttl"`
	Generation  uint64        `json:"gen"`
}

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// Store persists entries and per-group generations.
type Store interface {
	// Get returns the entry for key (nil on miss) and group's current generation.
	Get(ctx context.Context, key, group string) (*Entry, uint64, error)
	// SetIf writes e under key only while group's generation equals gen.
	SetIf(ctx context.Context, key, group string, gen uint64, e Entry, ttl time.Duration) (bool, error)
	// Invalidate deletes key, when set, and advances group's generation.
	Invalidate(ctx context.Context, key, group string) error
	Ping(ctx context.Context) error
}

// Lookup is the result of Read. A miss is passed back to Store so the
// write only lands if nothing was invalidated in between.
type Lookup struct {
	Key        Key
	Entry      *Entry
	generation uint64
	usable     bool
}

// Hit reports whether the lookup found a servable entry.
func (lk Lookup) Hit() bool { return lk.Entry != nil }

// Layer wraps a Store with timeouts, a circuit breaker and fail-open
// semantics.
type Layer struct {
	store   Store
	timeout time.Duration
	now     func() time.Time

	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
	logGate *rate.Sometimes
}

// Option configures a Layer.
type Option func(*Layer)

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(l *Layer) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Layer) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger sets the logger for store failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Layer) {
		if log != nil {
			l.log = log
		}
	}
}

func New(store Store, opts ...Option) (*Layer, error) {
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	l := &Layer{
		store:   store,
		timeout: defaultTimeout,
		now:     time.Now,
		log:     obs.Logger(),
		logGate: &rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-store",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("breaker_state_change")
		},
	})
	return l, nil
}

type getResult struct {
	entry *Entry
	gen   uint64
}

// Read looks key up. Expired entries and entries from an older generation
// are misses.
func (l *Layer) Read(ctx context.Context, key Key) Lookup {
	lk := Lookup{Key: key}
	res, err := l.call(ctx, func(ctx context.Context) (interface{}, error) {
		e, gen, err := l.store.Get(ctx, key.String(), key.Group())
		return getResult{entry: e, gen: gen}, err
	})
	if err != nil {
		l.failed("read", err)
		return lk
	}
	r := res.(getResult)
	lk.generation = r.gen
	lk.usable = true
	switch {
	case r.entry == nil:
		obs.CacheOperations.WithLabelValues("read", "miss").Inc()
	case r.entry.Generation != r.gen || !r.entry.Fresh(l.now()):
		obs.CacheOperations.WithLabelValues("read", "stale").Inc()
	default:
		obs.CacheOperations.WithLabelValues("read", "hit").Inc()
		lk.Entry = r.entry
	}
	return lk
}

// Store saves e for the looked-up key unless the group was invalidated
// after the lookup. It reports whether the entry was written.
func (l *Layer) Store(ctx context.Context, lk Lookup, e Entry, ttl time.Duration) bool {
	if !lk.usable || ttl <= 0 {
		obs.CacheOperations.WithLabelValues("store", "skipped").Inc()
		return false
	}
	e.StoredAt = l.now()
	e.TTL = ttl
	e.Generation = lk.generation
	res, err := l.call(ctx, func(ctx context.Context) (interface{}, error) {
		return l.store.SetIf(ctx, lk.Key.String(), lk.Key.Group(), lk.generation, e, ttl)
	})
	if err != nil {
		l.failed("store", err)
		return false
	}
	if ok := res.(bool); !ok {
		obs.CacheOperations.WithLabelValues("store", "raced").Inc()
		return false
	}
	obs.CacheOperations.WithLabelValues("store", "ok").Inc()
	return true
}

// Invalidate drops key and makes every other variant of its path stale.
func (l *Layer) Invalidate(ctx context.Context, key Key) {
	_, err := l.call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, l.store.Invalidate(ctx, key.String(), key.Group())
	})
	if err != nil {
		l.failed("invalidate", err)
		return
	}
	obs.CacheOperations.WithLabelValues("invalidate", "ok").Inc()
}

// InvalidatePath makes every cached GET of path stale, whatever the query.
func (l *Layer) InvalidatePath(ctx context.Context, path string) {
	l.Invalidate(ctx, Key{Method: "GET", Path: path})
}

// Ping checks the store directly, bypassing the breaker.
func (l *Layer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Ping(ctx)
}

func (l *Layer) call(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return l.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return fn(ctx)
	})
}

func (l *Layer) failed(op string, err error) {
	obs.CacheOperations.WithLabelValues(op, "error").Inc()
	l.logGate.Do(func() {
		l.log.WithError(err).WithField("op", op).Warn("cache_store_unavailable")
	})
}
