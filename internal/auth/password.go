// Package auth authenticates the three MRS caller classes: local users
// holding bearer tokens, and remote identities and peer servers signing
// requests per RFC 9421.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the bcrypt work factor for stored password hashes.
const BcryptCost = 12

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// HashPassword validates length bounds and returns the bcrypt hash.
// bcrypt truncates at 72 bytes, so longer passwords are rejected rather
// than silently weakened.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("%w: shorter than %d characters", ErrWeakPassword, minPasswordLength)
	}
	if len(password) > maxPasswordLength || len(password) > 72 {
		return "", fmt.Errorf("%w: too long", ErrWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a candidate against the stored hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
