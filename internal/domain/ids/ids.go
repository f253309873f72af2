// Package ids generates record identifiers and parses MRS identity strings.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// RegistrationPrefix marks locally minted registration ids.
	RegistrationPrefix = "reg_"
	// KeyPrefix marks stored key ids.
	KeyPrefix = "key_"

	// ServerIdentity is the reserved user for a server's own signing key.
	ServerIdentity = "_server"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")

	userRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// NewRegistrationID returns "reg_" plus 16 URL-safe random characters.
func NewRegistrationID() string {
	return RegistrationPrefix + randomToken(12)
}

// NewKeyID returns "key_" plus 12 URL-safe random characters.
func NewKeyID() string {
	return KeyPrefix + randomToken(9)
}

// NewBearerToken returns an opaque 43-character bearer token.
func NewBearerToken() string {
	return randomToken(32)
}

// NewChangeID returns a ULID for change-log event correlation.
func NewChangeID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

func randomToken(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("ids: read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Identity is a parsed user@domain MRS identity.
type Identity struct {
	User   string
	Domain string
}

func (i Identity) String() string {
	return i.User + "@" + i.Domain
}

// ParseIdentity validates and splits a user@domain identity string. The
// reserved "_server" user is accepted; callers decide where it is allowed.
func ParseIdentity(value string) (Identity, error) {
	value = strings.TrimSpace(value)
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, value)
	}

	user := value[:at]
	domain := value[at+1:]

	if !userRegex.MatchString(user) {
		return Identity{}, fmt.Errorf("%w: bad user part", ErrInvalidIdentity)
	}
	if !validHost(domain) {
		return Identity{}, fmt.Errorf("%w: bad domain part", ErrInvalidIdentity)
	}

	return Identity{User: user, Domain: strings.ToLower(domain)}, nil
}

// BuildIdentity forms user@domain after validating the username.
func BuildIdentity(user, domain string) (Identity, error) {
	return ParseIdentity(user + "@" + domain)
}

func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return true
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
	}
	return true
}
