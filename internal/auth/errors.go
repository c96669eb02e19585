package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: user not found")
	ErrDuplicateEmail     = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrPasswordTooLong    = errors.New("auth: password must not exceed 72 bytes")
	ErrInvalidInput       = errors.New("auth: invalid input")
)
