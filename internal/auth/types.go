package auth

import (
	"strings"
	"time"
)

// Role is the coarse authorization role stored with a credential record.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleJournalist Role = "JOURNALIST"
	RoleUser       Role = "USER"
)

// ParseRole normalises a role name; unknown names are rejected.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleJournalist, RoleUser:
		return r, true
	default:
		return "", false
	}
}

// Status is the account state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
)

// User is the credential record owned by the persistence layer.
// PasswordHash never leaves this package.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         Role
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicUser is the sanitized view returned to callers.
type PublicUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Public strips credential material from the record.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Status:    u.Status,
		CreatedAt: u.CreatedAt,
	}
}

// RegisterInput is the self-registration payload.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"omitempty,max=100"`
}

// TokenPair is an access token and its paired refresh token.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Session is the result of a successful login.
type Session struct {
	User PublicUser
	TokenPair
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
