package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// MaxServicePointLength bounds the stored URI so replicated payloads stay
// small.
const MaxServicePointLength = 2048

var ErrInvalidServicePoint = errors.New("invalid service point")

// ValidateServicePoint enforces the wire rules for service point URIs:
// https only, a concrete host, no userinfo, no fragment, and no
// whitespace or control characters anywhere in the string.
func ValidateServicePoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidServicePoint)
	}
	if len(raw) > MaxServicePointLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidServicePoint, MaxServicePointLength)
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: whitespace or control character", ErrInvalidServicePoint)
		}
	}
	// Byte-wise checks on the raw string: url.Parse lowercases the scheme
	// and reports a trailing bare "#" as an empty fragment, hiding both.
	if !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("%w: scheme must be https", ErrInvalidServicePoint)
	}
	if strings.ContainsRune(raw, '#') {
		return fmt.Errorf("%w: fragment not allowed", ErrInvalidServicePoint)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServicePoint, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidServicePoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: userinfo not allowed", ErrInvalidServicePoint)
	}
	return nil
}
