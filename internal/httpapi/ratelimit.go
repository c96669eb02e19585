package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"newsdesk.org/internal/apperr"
)

// limit applies one limiter class keyed by client IP. Denied requests never
// reach next. For classes that skip successful requests the hit is released
// once next answers with a status below 400.
func (a *API) limit(class string, next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	c, ok := a.limiter.Class(class)
	if !ok {
		panic("httpapi: unknown rate limit class " + class)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := a.proxy.ClientIP(r)
		d, err := a.limiter.Check(r.Context(), key, class)
		if err != nil {
			a.log.WithError(err).WithField("class", class).Error("ratelimit_check_failed")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetIn)))
		if !d.Allowed {
			h.Set("Retry-After", strconv.Itoa(ceilSeconds(d.RetryAfter)))
			a.log.WithFields(logrus.Fields{
				"request_id": RequestIDFromContext(r.Context()),
				"class":      class,
				"client":     key,
			}).Warn("rate_limited")
			a.fail(w, r, apperr.New(apperr.RateLimited, d.Message))
			return
		}

		if !c.SkipSuccessful {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.code < http.StatusBadRequest {
			a.limiter.Release(r.Context(), key, class)
		}
	})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
