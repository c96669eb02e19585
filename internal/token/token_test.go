package token

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
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

func newTestIssuer(t *testing.T, clock *fakeClock) *Issuer {
	t.Helper()
	iss, err := NewIssuer("access-secret", "refresh-secret",
		WithClock(clock.Now),
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(7*24*time.Hour),
		WithIssuer("test"),
	)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

var subject = Subject{UserID: "user-42", Email: "a@x.com", Role: "JOURNALIST"}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	iss := newTestIssuer(t, clock)

	tok, err := iss.IssueAccessToken(subject)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if tok.ID == "" || tok.Raw == "" {
		t.Fatalf("expected jti and raw token, got %+v", tok)
	}
	if want := clock.Now().Add(15 * time.Minute); !tok.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected expiry %v, want %v", tok.ExpiresAt, want)
	}

	claims, err := iss.Verify(tok.Raw, KindAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-42" || claims.Email != "a@x.com" || claims.Role != "JOURNALIST" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Kind != KindAccess {
		t.Fatalf("unexpected kind %q", claims.Kind)
	}
}

func TestRefreshTokenCarriesOnlySubject(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	iss := newTestIssuer(t, clock)

	tok, err := iss.IssueRefreshToken(subject)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	claims, err := iss.Verify(tok.Raw, KindRefresh)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-42" || claims.Email != "" || claims.Role != "" {
		t.Fatalf("refresh claims leaked profile data: %+v", claims)
	}
}

func TestVerifyExpiredAtBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	iss := newTestIssuer(t, clock)

	tok, err := iss.IssueAccessToken(subject)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	clock.Advance(15*time.Minute - time.Second)
	if _, err := iss.Verify(tok.Raw, KindAccess); err != nil {
		t.Fatalf("token should still be valid one second before expiry: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := iss.Verify(tok.Raw, KindAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at exp, got %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := iss.Verify(tok.Raw, KindAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after exp, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	iss := newTestIssuer(t, clock)

	tok, err := iss.IssueAccessToken(subject)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	parts := strings.Split(tok.Raw, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", tok.Raw)
	}
	sig := []byte(parts[2])
	for pos := 0; pos < len(sig)-1; pos++ {
		tampered := append([]byte(nil), sig...)
		if tampered[pos] == 'A' {
			tampered[pos] = 'B'
		} else {
			tampered[pos] = 'A'
		}
		raw := parts[0] + "." + parts[1] + "." + string(tampered)
		if _, err := iss.Verify(raw, KindAccess); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("byte %d altered: expected ErrInvalidToken, got %v", pos, err)
		}
	}
}

func TestVerifyRejectsTamperedExpiredToken(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	iss := newTestIssuer(t, clock)

	tok, err := iss.IssueAccessToken(subject)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	clock.Advance(time.Hour)
	raw := tok.Raw[:len(tok.Raw)-4] + "AAAA"
	if _, err := iss.Verify(raw, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged expired token must be invalid, got %v", err)
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	iss := newTestIssuer(t, clock)

	access, _ := iss.IssueAccessToken(subject)
	refresh, _ := iss.IssueRefreshToken(subject)

	if _, err := iss.Verify(access.Raw, KindRefresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
	if _, err := iss.Verify(refresh.Raw, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
}

func TestVerifyChecksDiscriminatorNotOnlyKey(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	// Same secret on both sides isolates the typ claim check.
	iss := &Issuer{
		accessSecret:  []byte("shared"),
		refreshSecret: []byte("shared"),
		accessTTL:     time.Minute,
		refreshTTL:    time.Hour,
		issuer:        "test",
		now:           clock.Now,
	}
	refresh, err := iss.IssueRefreshToken(subject)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if _, err := iss.Verify(refresh.Raw, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected typ mismatch to be rejected, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	iss := newTestIssuer(t, &fakeClock{now: time.Now()})
	for _, raw := range []string{"", "   ", "abc", "a.b.c", "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ4In0."} {
		if _, err := iss.Verify(raw, KindAccess); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%q: expected ErrInvalidToken, got %v", raw, err)
		}
	}
}

func TestNewIssuerRequiresDistinctSecrets(t *testing.T) {
	if _, err := NewIssuer("same", "same"); err == nil {
		t.Fatal("expected error for equal secrets")
	}
	if _, err := NewIssuer("", "x"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssuerConcurrentUse(t *testing.T) {
	iss := newTestIssuer(t, &fakeClock{now: time.Now()})
	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := iss.IssueAccessToken(subject)
			if err != nil {
				t.Errorf("IssueAccessToken: %v", err)
				return
			}
			if _, err := iss.Verify(tok.Raw, KindAccess); err != nil {
				t.Errorf("Verify: %v", err)
			}
		}()
	}
	wg.Wait()
}
