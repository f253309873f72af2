// Package accounts holds the identity records a server is responsible
// for: local users, their bearer tokens, and published signing keys.
package accounts

import "time"

// User is an account record. Local users hold a password hash; non-local
// users are shells pinned on first successful signature verification so
// the identity has a stable row to hang ownership on.
type User struct {
	Identity     string
	Email        string
	PasswordHash string
	IsLocal      bool
	CreatedAt    time.Time
}

// Token is an opaque bearer credential minted at login.
type Token struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at the given time.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Key is a signing key published for an identity. KeyID is the fragment
// clients put in the RFC 9421 keyid parameter; identities may publish
// several keys during rotation. PrivateKey is set only for keys this
// server signs with and is never served.
type Key struct {
	ID         string
	Owner      string
	KeyID      string
	Algorithm  string
	PublicKey  string
	PrivateKey string
	Deprecated bool
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Usable reports whether the key may verify signatures at the given
// time: not deprecated and not past expiry.
func (k Key) Usable(now time.Time) bool {
	if k.Deprecated {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Signature algorithms accepted for published keys. Ed25519 is the
// baseline every server must support.
const (
	AlgEd25519  = "ed25519"
	AlgRSAPSS   = "rsa-pss-sha512"
	AlgECDSA256 = "ecdsa-p256-sha256"
)

// ValidAlgorithm reports whether the algorithm label is one this server
// can verify.
func ValidAlgorithm(alg string) bool {
	switch alg {
	case AlgEd25519, AlgRSAPSS, AlgECDSA256:
		return true
	}
	return false
}
