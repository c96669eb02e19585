package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const maxPasswordBytes = 72

// passwords hashes and compares with bcrypt at a fixed cost.
type passwords struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

func newPasswords(cost int) *passwords {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &passwords{cost: cost}
}

// Hash hashes plaintext password using bcrypt.
func (p *passwords) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare checks plaintext password against stored hash.
func (p *passwords) Compare(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CompareDummy spends the same work as Compare for lookups that found no user.
func (p *passwords) CompareDummy(password string) {
	p.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("newsdesk-dummy-password"), p.cost)
		if err == nil {
			p.dummy = h
		}
	})
	if p.dummy != nil {
		_ = bcrypt.CompareHashAndPassword(p.dummy, []byte(password))
	}
}
