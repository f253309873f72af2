package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mrs-federation/server/internal/domain/accounts"
	"github.com/mrs-federation/server/internal/domain/ids"
)

// TokenFromHeader extracts the opaque token from an Authorization
// header, accepting only the Bearer scheme.
func TokenFromHeader(authHeader string) (string, error) {
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrUnauthorized)
	}
	return parts[1], nil
}

func (s *Service) authenticateBearer(ctx context.Context, raw string) (*Principal, error) {
	token, err := s.repo.Tokens().Get(ctx, raw)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if token.Expired(s.now().UTC()) {
		return nil, ErrTokenExpired
	}

	identity, err := ids.ParseIdentity(token.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: token bound to invalid identity", ErrUnauthorized)
	}
	return &Principal{
		Identity: identity.String(),
		IsLocal:  identity.Domain == s.domain,
		IsServer: identity.User == ids.ServerIdentity,
	}, nil
}
