package auth

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"newsdesk.org/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	issuer, err := token.NewIssuer("access-secret-for-tests-0123456789", "refresh-secret-for-tests-0123456789",
		token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	store := NewMemoryStore()
	base := []ServiceOption{WithHashCost(bcrypt.MinCost), WithClock(clock.Now), WithLogger(quietLogger())}
	svc, err := NewService(store, issuer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, clock
}

func TestRegisterThenLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Email: " A@X.io ", Password: "secret1", Name: "Ana"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "a@x.io" || user.Role != RoleUser || user.Status != StatusActive {
		t.Fatalf("unexpected user: %+v", user)
	}

	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", session.TokenPair)
	}
	principal, err := svc.Authenticate(session.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != user.ID || principal.Role != RoleUser || principal.Email != "a@x.io" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(ctx, RegisterInput{Email: "A@x.io", Password: "other12"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "secret1"})
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if verrs[0].Field() != "Email" {
		t.Fatalf("unexpected field: %s", verrs[0].Field())
	}

	_, err = svc.Register(ctx, RegisterInput{Email: "b@x.io", Password: "short"})
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors for short password, got %v", err)
	}

	long := make([]byte, 73)
	for i := range long {
		long[i] = 'a'
	}
	_, err = svc.Register(ctx, RegisterInput{Email: "c@x.io", Password: string(long)})
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, errWrong := svc.Login(ctx, "a@x.io", "wrong")
	_, errUnknown := svc.Login(ctx, "nobody@x.io", "secret1")
	_, errEmpty := svc.Login(ctx, "", "")
	for _, err := range []error{errWrong, errUnknown, errEmpty} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if errWrong.Error() != errUnknown.Error() {
		t.Fatalf("messages differ: %q vs %q", errWrong, errUnknown)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.SetStatus(ctx, user.ID, StatusDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if _, err := svc.Login(ctx, "a@x.io", "secret1"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	// a wrong password on a disabled account still reads as bad credentials
	if _, err := svc.Login(ctx, "a@x.io", "nope123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := svc.Refresh(ctx, session.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.Authenticate(session.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(8 * 24 * time.Hour)
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRefreshStatelessAllowsReuse(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		pair, err := svc.Refresh(ctx, session.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh #%d: %v", i, err)
		}
		if pair.AccessToken == session.AccessToken {
			t.Fatalf("expected a new access token")
		}
	}
}

func TestRefreshRotationDetectsReplay(t *testing.T) {
	svc, _, clock := newTestService(t, WithRevocations(NewMemoryRevocations(time.Minute)))
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Second)

	pair, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("rotated token rejected: %v", err)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	svc, _, _ := newTestService(t, WithRevocations(NewMemoryRevocations(time.Minute)))
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, session.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := svc.Logout(ctx, session.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after logout, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _, clock := newTestService(t, WithRevocations(NewMemoryRevocations(time.Minute)))
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	old, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(2 * time.Second)

	if err := svc.ChangePassword(ctx, user.ID, "wrong11", "secret2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "secret1", "abc"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "secret1", "secret2"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := svc.Login(ctx, "a@x.io", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	clock.Advance(time.Second)
	fresh, err := svc.Login(ctx, "a@x.io", "secret2")
	if err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
	if _, err := svc.Refresh(ctx, old.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("pre-change refresh token accepted: %v", err)
	}
	if _, err := svc.Refresh(ctx, fresh.RefreshToken); err != nil {
		t.Fatalf("post-change refresh token rejected: %v", err)
	}
}

func TestChangePasswordRevokesTokensFromSameSecond(t *testing.T) {
	svc, _, clock := newTestService(t, WithRevocations(NewMemoryRevocations(time.Minute)))
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.Advance(100 * time.Millisecond)
	early, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(500 * time.Millisecond)
	if err := svc.ChangePassword(ctx, user.ID, "secret1", "secret2"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.Refresh(ctx, early.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("token issued in the change second accepted: %v", err)
	}
}

// flakyStore fails the next FindByID calls with a deadline error.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) FindByID(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, context.DeadlineExceeded
	}
	return s.MemoryStore.FindByID(ctx, id)
}

func TestRefreshStoreFailureKeepsToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	issuer, err := token.NewIssuer("access-secret-for-tests-0123456789", "refresh-secret-for-tests-0123456789",
		token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	svc, err := NewService(store, issuer, WithHashCost(bcrypt.MinCost), WithClock(clock.Now),
		WithLogger(quietLogger()), WithRevocations(NewMemoryRevocations(time.Minute)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@x.io", Password: "secret1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := svc.Login(ctx, "a@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Second)

	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err != nil {
		t.Fatalf("retry after store recovered: %v", err)
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected replay after rotation to be rejected, got %v", err)
	}
}

func TestMeUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Me(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type slowStore struct {
	*MemoryStore
}

func (s slowStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutSurfaces(t *testing.T) {
	issuer, err := token.NewIssuer("access-secret-for-tests-0123456789", "refresh-secret-for-tests-0123456789")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := NewService(slowStore{NewMemoryStore()}, issuer,
		WithHashCost(bcrypt.MinCost), WithStoreTimeout(20*time.Millisecond), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.Login(context.Background(), "a@x.io", "secret1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProvisionAssignsRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Provision(ctx, RegisterInput{Email: "ed@x.io", Password: "secret1"}, RoleJournalist)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if user.Role != RoleJournalist {
		t.Fatalf("role = %s", user.Role)
	}
	session, err := svc.Login(ctx, "ed@x.io", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	principal, err := svc.Authenticate(session.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !principal.HasRole(RoleJournalist) {
		t.Fatalf("principal role = %s", principal.Role)
	}

	if _, err := svc.Provision(ctx, RegisterInput{Email: "x@x.io", Password: "secret1"}, Role("ROOT")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
