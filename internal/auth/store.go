package auth

import "context"

// Store is the credential store adapter consumed by Service.
type Store interface {
	// Create inserts a user; ErrDuplicateEmail when the email is taken.
	Create(ctx context.Context, u *User) error
	// FindByEmail returns ErrNotFound when no user has the email.
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByID returns ErrNotFound when the user does not exist.
	FindByID(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
}
