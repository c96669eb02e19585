// Package token issues and verifies the signed access and refresh tokens used by the API.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "newsdesk"
)

var (
	// ErrInvalidToken covers bad signatures, malformed payloads and the wrong token kind.
	ErrInvalidToken = errors.New("token: invalid")
	// ErrExpired is returned when the token is past its expiry.
	ErrExpired = errors.New("token: expired")
)

// Kind discriminates access tokens from refresh tokens inside the claims.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Subject is the identity a token is issued for.
type Subject struct {
	UserID string
	Email  string
	Role   string
}

// Claims is the verified token payload.
type Claims struct {
	Kind  Kind   `json:"typ"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Token is a signed token with the metadata callers need for revocation and reporting.
type Token struct {
	Raw       string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer signs and verifies tokens. It is immutable after construction.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer builds an Issuer. Both secrets are required and must differ.
func NewIssuer(accessSecret, refreshSecret string, opts ...Option) (*Issuer, error) {
	if strings.TrimSpace(accessSecret) == "" || strings.TrimSpace(refreshSecret) == "" {
		return nil, errors.New("token: access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	i := &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		issuer:        defaultIssuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken signs {sub, email, role} with the access secret.
func (i *Issuer) IssueAccessToken(s Subject) (Token, error) {
	return i.issue(KindAccess, s)
}

// IssueRefreshToken signs {sub} with the refresh secret.
func (i *Issuer) IssueRefreshToken(s Subject) (Token, error) {
	return i.issue(KindRefresh, Subject{UserID: s.UserID})
}

func (i *Issuer) issue(kind Kind, s Subject) (Token, error) {
	userID := strings.TrimSpace(s.UserID)
	if userID == "" {
		return Token{}, errors.New("token: subject is required")
	}
	secret, ttl := i.keyFor(kind)

	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	jti := uuid.NewString()
	claims := Claims{
		Kind:  kind,
		Email: s.Email,
		Role:  s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Token{}, fmt.Errorf("token: sign %s: %w", kind, err)
	}
	return Token{Raw: signed, ID: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks the signature for the given kind, then the claims.
// Expiry has no leeway: a token is expired once now >= exp.
func (i *Issuer) Verify(raw string, kind Kind) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	if kind != KindAccess && kind != KindRefresh {
		return nil, ErrInvalidToken
	}
	secret, _ := i.keyFor(kind)

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || claims.Kind != kind || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) keyFor(kind Kind) ([]byte, time.Duration) {
	if kind == KindRefresh {
		return i.refreshSecret, i.refreshTTL
	}
	return i.accessSecret, i.accessTTL
}
