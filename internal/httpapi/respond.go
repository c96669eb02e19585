package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"newsdesk.org/internal/apperr"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Data    any                 `json:"data,omitempty"`
	Code    apperr.Kind         `json:"code,omitempty"`
	Errors  []apperr.FieldError `json:"errors,omitempty"`
	Detail  string              `json:"detail,omitempty"`
	Stack   string              `json:"stack,omitempty"`
	ReqID   string              `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Success: true, Message: message, Data: data})
}

// fail classifies err and writes the error envelope. Causes are logged and,
// in debug mode only, echoed back with the stack.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.Classify(err)
	status := ae.Status()
	body := envelope{
		Success: false,
		Message: ae.Message,
		Code:    ae.Kind,
		Errors:  ae.Fields,
		ReqID:   RequestIDFromContext(r.Context()),
	}
	if a.debug && ae.Err != nil {
		body.Detail = ae.Err.Error()
		body.Stack = string(debug.Stack())
	}
	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithFields(logrus.Fields{
			"request_id": body.ReqID,
			"kind":       string(ae.Kind),
			"path":       r.URL.Path,
		}).Error("request_failed")
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return bodyError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return apperr.New(apperr.ValidationError, "Unexpected data after JSON body")
		}
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return apperr.New(apperr.ValidationError, "Request body is required")
	case errors.As(err, &maxBytes):
		return err
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return apperr.New(apperr.ValidationError, "Unknown field "+strings.TrimPrefix(err.Error(), "json: unknown field "))
	}
	return apperr.Wrap(apperr.ValidationError, "Malformed JSON body", err)
}

func (a *API) methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, envelope{
		Success: false,
		Message: "Method not allowed",
		ReqID:   RequestIDFromContext(r.Context()),
	})
}

// methods dispatches one path by HTTP method.
type methods map[string]http.Handler

func (a *API) route(pattern string, m methods) {
	allowed := make([]string, 0, len(m))
	for method := range m {
		allowed = append(allowed, method)
	}
	slices.Sort(allowed)
	a.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := m[r.Method]
		if !ok && r.Method == http.MethodHead {
			h, ok = m[http.MethodGet]
		}
		if !ok {
			a.methodNotAllowed(w, r, allowed...)
			return
		}
		h.ServeHTTP(w, r)
	}))
}
