package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"newsdesk.org/internal/obs"
	"newsdesk.org/internal/token"
)

const defaultStoreTimeout = 3 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service implements registration, login and token rotation on top of a
// credential Store and a token Issuer.
type Service struct {
	store       Store
	tokens      *token.Issuer
	revocations Revocations
	passwords   *passwords
	log         logrus.FieldLogger

	storeTimeout time.Duration
	now          func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithHashCost sets the bcrypt cost used for new hashes.
func WithHashCost(cost int) ServiceOption {
	return func(s *Service) { s.passwords = newPasswords(cost) }
}

// WithStoreTimeout bounds every credential store call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithRevocations enables refresh token rotation with replay detection.
func WithRevocations(r Revocations) ServiceOption {
	return func(s *Service) { s.revocations = r }
}

// WithLogger sets the logger used for security events.
func WithLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the service. Store and issuer are required.
func NewService(store Store, tokens *token.Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	s := &Service{
		store:        store,
		tokens:       tokens,
		passwords:    newPasswords(12),
		log:          obs.Logger(),
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates an ACTIVE user with role USER.
func (s *Service) Register(ctx context.Context, in RegisterInput) (PublicUser, error) {
	return s.create(ctx, in, RoleUser, "register")
}

// Provision creates an account with an explicit role. It backs operator
// tooling and the bootstrap admin; public registration always yields USER.
func (s *Service) Provision(ctx context.Context, in RegisterInput, role Role) (PublicUser, error) {
	if _, ok := ParseRole(string(role)); !ok {
		return PublicUser{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return s.create(ctx, in, role, "provision")
}

func (s *Service) create(ctx context.Context, in RegisterInput, role Role, op string) (PublicUser, error) {
	in.Email = normalizeEmail(in.Email)
	if err := validate.Struct(in); err != nil {
		return PublicUser{}, err
	}
	if len(in.Password) > maxPasswordBytes {
		return PublicUser{}, ErrPasswordTooLong
	}

	sctx, cancel := s.storeCtx(ctx)
	_, err := s.store.FindByEmail(sctx, in.Email)
	cancel()
	switch {
	case err == nil:
		s.event(op, "duplicate")
		return PublicUser{}, ErrDuplicateEmail
	case !errors.Is(err, ErrNotFound):
		return PublicUser{}, fmt.Errorf("auth: lookup email: %w", err)
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return PublicUser{}, err
	}
	user := &User{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Role:         role,
		Status:       StatusActive,
	}
	sctx, cancel = s.storeCtx(ctx)
	defer cancel()
	if err := s.store.Create(sctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			s.event(op, "duplicate")
			return PublicUser{}, ErrDuplicateEmail
		}
		return PublicUser{}, fmt.Errorf("auth: create user: %w", err)
	}
	s.event(op, "ok")
	s.log.WithFields(logrus.Fields{"user_id": user.ID, "role": role}).Info("user_created")
	return user.Public(), nil
}

// Login verifies credentials and issues a token pair. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.passwords.CompareDummy(password)
		s.event("login", "invalid")
		return Session{}, ErrInvalidCredentials
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.store.FindByEmail(sctx, email)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.passwords.CompareDummy(password)
			s.event("login", "invalid")
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("auth: lookup email: %w", err)
	}
	if err := s.passwords.Compare(user.PasswordHash, password); err != nil {
		s.event("login", "invalid")
		return Session{}, ErrInvalidCredentials
	}
	if user.Status != StatusActive {
		s.event("login", "disabled")
		return Session{}, ErrAccountDisabled
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return Session{}, err
	}
	s.event("login", "ok")
	return Session{User: user.Public(), TokenPair: pair}, nil
}

// Refresh exchanges a valid refresh token for a new pair. With revocations
// enabled the presented token is consumed and cannot be replayed. The token
// is only consumed once the user checks pass, so a failed lookup leaves it
// usable for a retry.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (TokenPair, error) {
	claims, err := s.tokens.Verify(rawRefresh, token.KindRefresh)
	if err != nil {
		s.event("refresh", "invalid")
		return TokenPair{}, err
	}

	if s.revocations != nil {
		if err := s.checkCutoff(ctx, claims); err != nil {
			return TokenPair{}, err
		}
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.store.FindByID(sctx, claims.Subject)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.event("refresh", "invalid")
			return TokenPair{}, token.ErrInvalidToken
		}
		return TokenPair{}, fmt.Errorf("auth: lookup user: %w", err)
	}
	if user.Status != StatusActive {
		s.event("refresh", "disabled")
		return TokenPair{}, ErrAccountDisabled
	}

	if s.revocations != nil {
		sctx, cancel := s.storeCtx(ctx)
		fresh, err := s.revocations.Consume(sctx, claims.ID, s.remaining(claims))
		cancel()
		if err != nil {
			return TokenPair{}, fmt.Errorf("auth: consume refresh token: %w", err)
		}
		if !fresh {
			s.event("refresh", "replayed")
			s.log.WithFields(logrus.Fields{"user_id": claims.Subject, "jti": claims.ID}).Warn("refresh_token_replayed")
			return TokenPair{}, token.ErrInvalidToken
		}
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return TokenPair{}, err
	}
	s.event("refresh", "ok")
	return pair, nil
}

// Logout consumes the refresh token when revocations are enabled. An
// already expired or consumed token is not an error.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	claims, err := s.tokens.Verify(rawRefresh, token.KindRefresh)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil
		}
		return err
	}
	if s.revocations == nil {
		s.event("logout", "ok")
		return nil
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.revocations.Consume(sctx, claims.ID, s.remaining(claims)); err != nil {
		return fmt.Errorf("auth: revoke refresh token: %w", err)
	}
	s.event("logout", "ok")
	return nil
}

// ChangePassword replaces the password after checking the current one.
// Refresh tokens issued before the change are rejected when revocations
// are enabled.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 6 {
		return fmt.Errorf("%w: new password must be at least 6 characters", ErrInvalidInput)
	}
	if len(next) > maxPasswordBytes {
		return ErrPasswordTooLong
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.store.FindByID(sctx, userID)
	cancel()
	if err != nil {
		return err
	}
	if err := s.passwords.Compare(user.PasswordHash, current); err != nil {
		s.event("change_password", "invalid")
		return ErrInvalidCredentials
	}
	hash, err := s.passwords.Hash(next)
	if err != nil {
		return err
	}

	sctx, cancel = s.storeCtx(ctx)
	defer cancel()
	if err := s.store.UpdatePassword(sctx, userID, hash); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	if s.revocations != nil {
		cutoff := s.now().UTC().Truncate(time.Second)
		if err := s.revocations.RevokeUser(sctx, userID, cutoff, s.tokens.RefreshTTL()); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("revoke_user_failed")
		}
	}
	s.event("change_password", "ok")
	s.log.WithField("user_id", userID).Info("password_changed")
	return nil
}

// SetStatus enables or disables an account.
func (s *Service) SetStatus(ctx context.Context, userID string, status Status) (PublicUser, error) {
	if status != StatusActive && status != StatusDisabled {
		return PublicUser{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.UpdateStatus(sctx, userID, status); err != nil {
		return PublicUser{}, err
	}
	user, err := s.store.FindByID(sctx, userID)
	if err != nil {
		return PublicUser{}, err
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "status": status}).Info("account_status_changed")
	return user.Public(), nil
}

// Me returns the public view of the user.
func (s *Service) Me(ctx context.Context, userID string) (PublicUser, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	user, err := s.store.FindByID(sctx, userID)
	if err != nil {
		return PublicUser{}, err
	}
	return user.Public(), nil
}

// Authenticate verifies an access token. It does not touch the store.
func (s *Service) Authenticate(rawAccess string) (Principal, error) {
	claims, err := s.tokens.Verify(rawAccess, token.KindAccess)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Subject, Email: claims.Email, Role: Role(claims.Role)}, nil
}

func (s *Service) issuePair(u *User) (TokenPair, error) {
	subject := token.Subject{UserID: u.ID, Email: u.Email, Role: string(u.Role)}
	access, err := s.tokens.IssueAccessToken(subject)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken(subject)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access.Raw,
		RefreshToken:     refresh.Raw,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *Service) checkCutoff(ctx context.Context, claims *token.Claims) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	cutoff, ok, err := s.revocations.RevokedAt(sctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("auth: read revocation: %w", err)
	}
	// iat has second precision, so a token from the cutoff second itself
	// cannot be ordered against it and is rejected too.
	if ok && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(cutoff) {
		s.event("refresh", "revoked")
		return token.ErrInvalidToken
	}
	return nil
}

func (s *Service) remaining(claims *token.Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return s.tokens.RefreshTTL()
	}
	return claims.ExpiresAt.Time.Sub(s.now())
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) event(op, outcome string) {
	obs.AuthEvents.WithLabelValues(op, outcome).Inc()
}
