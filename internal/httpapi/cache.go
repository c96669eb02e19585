package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"newsdesk.org/internal/cache"
)

const maxCachedBody = 1 << 20

// cachingWriter passes the response through while keeping a copy.
type cachingWriter struct {
	http.ResponseWriter
	code     int
	buf      bytes.Buffer
	overflow bool
}

func (w *cachingWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cachingWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	if !w.overflow {
		if w.buf.Len()+len(b) > maxCachedBody {
			w.overflow = true
			w.buf.Reset()
		} else {
			w.buf.Write(b)
		}
	}
	return w.ResponseWriter.Write(b)
}

// cached serves GET responses from the cache layer and stores 200 responses
// produced by next for ttl.
func (a *API) cached(ttl time.Duration, next http.Handler) http.Handler {
	if a.cache == nil || ttl <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		lk := a.cache.Read(r.Context(), cache.NewKey(r.Method, r.URL))
		if lk.Hit() {
			if lk.Entry.ContentType != "" {
				w.Header().Set("Content-Type", lk.Entry.ContentType)
			}
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(lk.Entry.Status)
			_, _ = w.Write(lk.Entry.Body)
			return
		}

		w.Header().Set("X-Cache", "MISS")
		cw := &cachingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)
		if cw.code != http.StatusOK || cw.overflow {
			return
		}
		a.cache.Store(r.Context(), lk, cache.Entry{
			Status:      cw.code,
			ContentType: w.Header().Get("Content-Type"),
			Body:        bytes.Clone(cw.buf.Bytes()),
		}, ttl)
	})
}
