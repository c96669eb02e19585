package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"newsdesk.org/internal/apperr"
	"newsdesk.org/internal/auth"
	"newsdesk.org/internal/cache"
	"newsdesk.org/internal/content"
	"newsdesk.org/internal/obs"
	"newsdesk.org/internal/ratelimit"
)

const serviceName = "newsdesk-api"

// Check is one named readiness dependency.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReadyProbe runs every dependency check; nil checks are skipped.
type ReadyProbe struct {
	Checks  []Check
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs []error
	for _, c := range rp.Checks {
		if c.Fn == nil {
			continue
		}
		if err := c.Fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Auth    *auth.Service
	Content content.Store
	Limiter *ratelimit.Limiter
	Cache   *cache.Layer
	Ready   ReadyProbe
	Proxy   ratelimit.ProxyTrust
	Logger  logrus.FieldLogger
}

// Options tune the HTTP surface.
type Options struct {
	Version            string
	Debug              bool
	MaxBodyBytes       int64
	MaxUploadBytes     int64
	AllowedUploadTypes []string
	UploadDir          string
	CacheTTLList       time.Duration
	CacheTTLDetail     time.Duration
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	auth     *auth.Service
	content  content.Store
	limiter  *ratelimit.Limiter
	cache    *cache.Layer
	ready    ReadyProbe
	proxy    ratelimit.ProxyTrust
	log      logrus.FieldLogger
	validate *validator.Validate

	version        string
	debug          bool
	maxBody        int64
	uploads        uploadPolicy
	cacheTTLList   time.Duration
	cacheTTLDetail time.Duration
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if deps.Content == nil {
		return nil, errors.New("httpapi: content store is required")
	}
	if deps.Logger == nil {
		deps.Logger = obs.Logger()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:            http.NewServeMux(),
		auth:           deps.Auth,
		content:        deps.Content,
		limiter:        deps.Limiter,
		cache:          deps.Cache,
		ready:          deps.Ready,
		proxy:          deps.Proxy,
		log:            deps.Logger,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		version:        opts.Version,
		debug:          opts.Debug,
		maxBody:        opts.MaxBodyBytes,
		uploads:        newUploadPolicy(opts.MaxUploadBytes, opts.AllowedUploadTypes, opts.UploadDir),
		cacheTTLList:   opts.CacheTTLList,
		cacheTTLDetail: opts.CacheTTLDetail,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	// health/ready/info
	a.route("/healthz", methods{http.MethodGet: http.HandlerFunc(a.Healthz)})
	a.route("/readyz", methods{http.MethodGet: http.HandlerFunc(a.Ready)})
	a.route("/v1/info", methods{http.MethodGet: http.HandlerFunc(a.Info)})

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.route("/v1/auth/register", methods{
		http.MethodPost: a.limit(ratelimit.ClassAuth, a.body(http.HandlerFunc(a.handleRegister))),
	})
	a.route("/v1/auth/login", methods{
		http.MethodPost: a.limit(ratelimit.ClassAuth, a.body(http.HandlerFunc(a.handleLogin))),
	})
	a.route("/v1/auth/refresh", methods{
		http.MethodPost: a.limit(ratelimit.ClassAuth, a.body(http.HandlerFunc(a.handleRefresh))),
	})
	a.route("/v1/auth/logout", methods{
		http.MethodPost: a.body(http.HandlerFunc(a.handleLogout)),
	})
	a.route("/v1/auth/me", methods{
		http.MethodGet: a.protected(http.HandlerFunc(a.handleMe)),
	})
	a.route("/v1/auth/password", methods{
		http.MethodPost: a.protected(a.body(http.HandlerFunc(a.handleChangePassword))),
	})
	a.route("/v1/users/{id}/status", methods{
		http.MethodPut: a.protected(a.requireRole(a.body(http.HandlerFunc(a.handleSetUserStatus)), auth.RoleAdmin)),
	})

	a.route("/v1/articles", methods{
		http.MethodGet: a.protected(a.cached(a.cacheTTLList, http.HandlerFunc(a.handleListArticles))),
		http.MethodPost: a.limit(ratelimit.ClassCreateArticle, a.protected(
			a.requireRole(a.body(http.HandlerFunc(a.handleCreateArticle)), auth.RoleAdmin, auth.RoleJournalist))),
	})
	a.route("/v1/articles/{id}", methods{
		http.MethodGet:    a.protected(a.cached(a.cacheTTLDetail, http.HandlerFunc(a.handleGetArticle))),
		http.MethodPut:    a.protected(a.requireRole(a.body(http.HandlerFunc(a.handleUpdateArticle)), auth.RoleAdmin, auth.RoleJournalist)),
		http.MethodDelete: a.protected(a.requireRole(http.HandlerFunc(a.handleDeleteArticle), auth.RoleAdmin, auth.RoleJournalist)),
	})
	a.route("/v1/articles/{id}/comments", methods{
		http.MethodGet:  a.protected(a.cached(a.cacheTTLList, http.HandlerFunc(a.handleListComments))),
		http.MethodPost: a.limit(ratelimit.ClassComment, a.protected(a.body(http.HandlerFunc(a.handleAddComment)))),
	})
	a.route("/v1/uploads", methods{
		http.MethodPost: a.limit(ratelimit.ClassUpload, a.protected(http.HandlerFunc(a.handleUpload))),
	})

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		a.fail(w, r, apperr.New(apperr.NotFound, "Route not found"))
	})
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.generalLimit(h)
	h = a.Recover(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// generalLimit applies the general class to API routes only.
func (a *API) generalLimit(next http.Handler) http.Handler {
	limited := a.limit(ratelimit.ClassGeneral, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// body bounds JSON request bodies.
func (a *API) body(next http.Handler) http.Handler {
	return MaxBodyBytes(next, a.maxBody)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		a.log.WithError(err).Warn("readiness_failed")
		body := map[string]any{"status": "not_ready"}
		if a.debug {
			body["error"] = err.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// validateStruct runs struct tag validation.
func (a *API) validateStruct(v any) error {
	return a.validate.Struct(v)
}
