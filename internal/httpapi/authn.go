package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"newsdesk.org/internal/apperr"
	"newsdesk.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// protected verifies the bearer access token and stores the principal in
// the request context.
func (a *API) protected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.fail(w, r, apperr.Wrap(apperr.Unauthorized, "", err))
			return
		}
		principal, err := a.auth.Authenticate(raw)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole admits only principals holding one of roles. It must run
// after protected.
func (a *API) requireRole(next http.Handler, roles ...auth.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			a.fail(w, r, apperr.New(apperr.Unauthorized, ""))
			return
		}
		if !principal.HasRole(roles...) {
			a.fail(w, r, apperr.New(apperr.Forbidden, ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
