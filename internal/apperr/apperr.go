// Package apperr maps internal failures onto a closed, user-facing taxonomy
// and its HTTP status codes.
package apperr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"

	"newsdesk.org/internal/auth"
	"newsdesk.org/internal/content"
	"newsdesk.org/internal/token"
)

// Kind is a taxonomy entry.
type Kind string

const (
	DuplicateEmail      Kind = "DuplicateEmail"
	InvalidCredentials  Kind = "InvalidCredentials"
	AccountDisabled     Kind = "AccountDisabled"
	InvalidToken        Kind = "InvalidToken"
	Expired             Kind = "Expired"
	Unauthorized        Kind = "Unauthorized"
	Forbidden           Kind = "Forbidden"
	RateLimited         Kind = "RateLimited"
	Conflict            Kind = "Conflict"
	NotFound            Kind = "NotFound"
	InvalidReference    Kind = "InvalidReference"
	ConstraintViolation Kind = "ConstraintViolation"
	ValidationError     Kind = "ValidationError"
	UploadRejected      Kind = "UploadRejected"
	Unavailable         Kind = "Unavailable"
	Internal            Kind = "Internal"
)

var kinds = map[Kind]struct {
	status  int
	message string
}{
	DuplicateEmail:      {http.StatusConflict, "User with this email already exists"},
	InvalidCredentials:  {http.StatusUnauthorized, "Invalid email or password"},
	AccountDisabled:     {http.StatusForbidden, "Account is disabled"},
	InvalidToken:        {http.StatusUnauthorized, "Invalid token"},
	Expired:             {http.StatusUnauthorized, "Token expired"},
	Unauthorized:        {http.StatusUnauthorized, "Authentication required"},
	Forbidden:           {http.StatusForbidden, "Insufficient permissions"},
	RateLimited:         {http.StatusTooManyRequests, "Too many requests, please try again later"},
	Conflict:            {http.StatusConflict, "Resource already exists"},
	NotFound:            {http.StatusNotFound, "Resource not found"},
	InvalidReference:    {http.StatusBadRequest, "Referenced resource does not exist"},
	ConstraintViolation: {http.StatusBadRequest, "Request violates a data constraint"},
	ValidationError:     {http.StatusBadRequest, "Validation failed"},
	UploadRejected:      {http.StatusBadRequest, "Upload rejected"},
	Unavailable:         {http.StatusServiceUnavailable, "Service temporarily unavailable"},
	Internal:            {http.StatusInternalServerError, "Internal server error"},
}

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	if v, ok := kinds[k]; ok {
		return v.status
	}
	return http.StatusInternalServerError
}

// Message returns the default user-facing message for the kind.
func (k Kind) Message() string {
	if v, ok := kinds[k]; ok {
		return v.message
	}
	return kinds[Internal].message
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a classified failure. Message is always safe to show to users;
// Err is the underlying cause and is only exposed in development.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code.
func (e *Error) Status() int { return e.Kind.Status() }

// New creates an error with a custom message; an empty message uses the default.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = kind.Message()
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, message string, err error) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// Validation builds a ValidationError for a single field.
func Validation(field, message string) *Error {
	e := New(ValidationError, "")
	e.Fields = []FieldError{{Field: field, Message: message}}
	return e
}

const (
	pgUniqueViolation    = "23505"
	pgForeignKey         = "23503"
	pgNotNull            = "23502"
	pgCheck              = "23514"
	pgExclusion          = "23P01"
	pgInvalidTextRepr    = "22P02"
	pgStringDataTooLong  = "22001"
	pgConnectionFailure  = "08006"
	pgCannotConnectNow   = "57P03"
	pgTooManyConnections = "53300"
)

// Classify maps any error onto the taxonomy. Unknown errors are Internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		return Wrap(DuplicateEmail, "", err)
	case errors.Is(err, auth.ErrInvalidCredentials):
		return Wrap(InvalidCredentials, "", err)
	case errors.Is(err, auth.ErrAccountDisabled):
		return Wrap(AccountDisabled, "", err)
	case errors.Is(err, token.ErrExpired):
		return Wrap(Expired, "", err)
	case errors.Is(err, token.ErrInvalidToken):
		return Wrap(InvalidToken, "", err)
	case errors.Is(err, auth.ErrPasswordTooLong):
		e := Validation("password", "must not exceed 72 bytes")
		e.Err = err
		return e
	case errors.Is(err, auth.ErrInvalidInput):
		return Wrap(ValidationError, strings.TrimPrefix(err.Error(), "auth: "), err)
	case errors.Is(err, auth.ErrNotFound):
		return Wrap(NotFound, "User not found", err)
	case errors.Is(err, content.ErrNotFound):
		return Wrap(NotFound, "", err)
	case errors.Is(err, content.ErrForbidden):
		return Wrap(Forbidden, "You can only modify your own content", err)
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, mongo.ErrNoDocuments):
		return Wrap(NotFound, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Unavailable, "", err)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return fromValidation(verrs)
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return Wrap(ValidationError, fmt.Sprintf("Request body exceeds %d bytes", maxBytes.Limit), err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromPg(pgErr, err)
	}

	if mongo.IsDuplicateKeyError(err) {
		return Wrap(Conflict, "", err)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return Wrap(Unavailable, "", err)
	}

	return Wrap(Internal, "", err)
}

func fromPg(pgErr *pgconn.PgError, err error) *Error {
	switch pgErr.Code {
	case pgUniqueViolation:
		return Wrap(Conflict, "", err)
	case pgForeignKey:
		return Wrap(InvalidReference, "", err)
	case pgNotNull, pgCheck, pgExclusion, pgStringDataTooLong:
		return Wrap(ConstraintViolation, "", err)
	case pgInvalidTextRepr:
		return Wrap(ValidationError, "Invalid identifier format", err)
	case pgConnectionFailure, pgCannotConnectNow, pgTooManyConnections:
		return Wrap(Unavailable, "", err)
	}
	return Wrap(Internal, "", err)
}

func fromValidation(verrs validator.ValidationErrors) *Error {
	e := Wrap(ValidationError, "", verrs)
	for _, fe := range verrs {
		e.Fields = append(e.Fields, FieldError{
			Field:   lowerFirst(fe.Field()),
			Message: describe(fe),
		})
	}
	return e
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid (" + fe.Tag() + ")"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
