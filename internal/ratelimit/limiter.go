// Package ratelimit implements fixed-window request counting per client and limiter class.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"newsdesk.org/internal/config"
	"newsdesk.org/internal/obs"
)

const (
	ClassGeneral       = "general"
	ClassAuth          = "auth"
	ClassUpload        = "upload"
	ClassCreateArticle = "createArticle"
	ClassComment       = "comment"
)

const defaultTimeout = 200 * time.Millisecond

// ErrUnknownClass is returned for a class the limiter was not configured with.
var ErrUnknownClass = errors.New("ratelimit: unknown class")

// Class is one named quota.
type Class struct {
	Name   string
	Max    int
	Window time.Duration
	// SkipSuccessful means callers Release the count after a successful request,
	// so only failed attempts consume the quota.
	SkipSuccessful bool
	Message        string
}

// ClassesFromConfig builds the five classes from configured quotas.
func ClassesFromConfig(rl config.RateLimits) []Class {
	return []Class{
		{Name: ClassGeneral, Max: rl.General.Max, Window: rl.General.Window,
			Message: "Too many requests from this IP, please try again later."},
		{Name: ClassAuth, Max: rl.Auth.Max, Window: rl.Auth.Window, SkipSuccessful: true,
			Message: "Too many authentication attempts, please try again later."},
		{Name: ClassUpload, Max: rl.Upload.Max, Window: rl.Upload.Window,
			Message: "Too many uploads, please try again later."},
		{Name: ClassCreateArticle, Max: rl.CreateArticle.Max, Window: rl.CreateArticle.Window,
			Message: "Too many articles created, please try again later."},
		{Name: ClassComment, Max: rl.Comment.Max, Window: rl.Comment.Window,
			Message: "Too many comments, please slow down."},
	}
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// ResetIn is the time left in the window, measured on the limiter clock.
	ResetIn    time.Duration
	RetryAfter time.Duration
	Message    string
}

// Store counts hits per key inside fixed windows. Implementations must make
// Incr atomic per key.
type Store interface {
	// Incr adds one hit to key, starting a new window of the given length when
	// the previous one has ended. It returns the count and the window end.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
	// Decr removes one hit from key's current window, never going below zero.
	Decr(ctx context.Context, key string) error
}

// Limiter applies Class quotas over a Store. Store failures let requests
// through.
type Limiter struct {
	store   Store
	classes map[string]Class
	prefix  string
	timeout time.Duration
	now     func() time.Time

	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
	logGate *rate.Sometimes
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix namespaces stored keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the time source used for ResetIn and RetryAfter.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// New validates classes and builds a Limiter.
func New(store Store, classes []Class, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	l := &Limiter{
		store:   store,
		classes: make(map[string]Class, len(classes)),
		prefix:  "rl:",
		timeout: defaultTimeout,
		now:     time.Now,
		log:     obs.Logger(),
		logGate: &rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, c := range classes {
		if c.Name == "" || c.Max <= 0 || c.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid class %q (%d/%s)", c.Name, c.Max, c.Window)
		}
		l.classes[c.Name] = c
	}
	for _, opt := range opts {
		opt(l)
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("breaker_state_change")
		},
	})
	return l, nil
}

// Class returns the named class.
func (l *Limiter) Class(name string) (Class, bool) {
	c, ok := l.classes[name]
	return c, ok
}

type incrResult struct {
	count   int64
	resetAt time.Time
}

// Check counts one request for key under class and decides whether it is
// within quota. The count is incremented atomically before the comparison,
// so concurrent requests for one key are admitted at most Max times per window.
func (l *Limiter) Check(ctx context.Context, key, class string) (Decision, error) {
	c, ok := l.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	obs.RateLimitRequests.WithLabelValues(c.Name).Inc()

	now := l.now()
	res, err := l.breaker.Execute(func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		count, resetAt, err := l.store.Incr(sctx, l.storeKey(c.Name, key), c.Window)
		if err != nil {
			return nil, err
		}
		return incrResult{count: count, resetAt: resetAt}, nil
	})
	if err != nil {
		l.storeFailed("incr", c.Name, err)
		return Decision{
			Allowed:   true,
			Limit:     c.Max,
			Remaining: c.Max,
			ResetAt:   now.Add(c.Window),
			ResetIn:   c.Window,
		}, nil
	}

	r := res.(incrResult)
	d := Decision{
		Allowed: r.count <= int64(c.Max),
		Limit:   c.Max,
		ResetAt: r.resetAt,
		Message: c.Message,
	}
	if left := r.resetAt.Sub(now); left > 0 {
		d.ResetIn = left
	}
	if rem := int64(c.Max) - r.count; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetIn
		obs.RateLimitRejections.WithLabelValues(c.Name).Inc()
	}
	return d, nil
}

// Release gives back one count for key under class. Used after a successful
// request on SkipSuccessful classes.
func (l *Limiter) Release(ctx context.Context, key, class string) {
	c, ok := l.classes[class]
	if !ok {
		return
	}
	_, err := l.breaker.Execute(func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return nil, l.store.Decr(sctx, l.storeKey(c.Name, key))
	})
	if err != nil {
		l.storeFailed("decr", c.Name, err)
	}
}

func (l *Limiter) storeKey(class, key string) string {
	return l.prefix + class + ":" + key
}

func (l *Limiter) storeFailed(op, class string, err error) {
	obs.RateLimitStoreErrors.Inc()
	l.logGate.Do(func() {
		l.log.WithError(err).WithFields(logrus.Fields{"op": op, "class": class}).Warn("ratelimit_store_unavailable")
	})
}
