package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/domain/accounts"
	"github.com/mrs-federation/server/internal/domain/ids"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrReservedUser  = errors.New("reserved username")
	ErrUserExists    = errors.New("user already exists")
	ErrTokenExpired  = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrTokenNotFound = fmt.Errorf("%w: unknown token", ErrUnauthorized)
)

// Store is the account persistence the authenticator depends on.
type Store interface {
	Users() accounts.UserRepository
	Tokens() accounts.TokenRepository
}

// Principal is an authenticated caller.
type Principal struct {
	// Identity is the full user@domain string.
	Identity string
	// IsLocal is true when the identity's domain is this server's.
	IsLocal bool
	// IsServer is true for the reserved _server user, i.e. a signing
	// peer rather than a person.
	IsServer bool
}

// Service authenticates requests and manages local accounts.
type Service struct {
	repo     Store
	cache    *keys.Cache
	keysvc   *keys.Service
	domain   string
	tokenTTL time.Duration
	now      func() time.Time
}

func NewService(repo Store, cache *keys.Cache, keysvc *keys.Service, domain string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		keysvc:   keysvc,
		domain:   domain,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// Authenticate resolves the caller from either a bearer token or an
// HTTP message signature. body is the already-read request body, needed
// for the Content-Digest check on signed requests.
func (s *Service) Authenticate(ctx context.Context, r *http.Request, body []byte) (*Principal, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		raw, err := TokenFromHeader(authHeader)
		if err != nil {
			return nil, err
		}
		return s.authenticateBearer(ctx, raw)
	}
	if r.Header.Get("Signature-Input") != "" || r.Header.Get("Signature") != "" {
		return s.verifySignature(ctx, r, body)
	}
	return nil, fmt.Errorf("%w: no credentials presented", ErrUnauthorized)
}

// Signup creates a local account. The username becomes
// username@<server-domain>; the reserved _server user is refused.
func (s *Service) Signup(ctx context.Context, username, password, email string) (*accounts.User, error) {
	if username == ids.ServerIdentity {
		return nil, ErrReservedUser
	}
	identity, err := ids.BuildIdentity(username, s.domain)
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &accounts.User{
		Identity:     identity.String(),
		Email:        email,
		PasswordHash: hash,
		IsLocal:      true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Users().Create(ctx, user); err != nil {
		if errors.Is(err, accounts.ErrExists) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and mints a bearer token.
func (s *Service) Login(ctx context.Context, identity, password string) (*accounts.Token, error) {
	user, err := s.repo.Users().GetByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			// Burn a comparison so missing users cost the same as wrong
			// passwords.
			_ = CheckPassword("$2a$12$XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX", password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsLocal || user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := CheckPassword(user.PasswordHash, password); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	token := &accounts.Token{
		Token:     ids.NewBearerToken(),
		Identity:  user.Identity,
		ExpiresAt: now.Add(s.tokenTTL),
		CreatedAt: now,
	}
	if err := s.repo.Tokens().Create(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Logout revokes a bearer token. Unknown tokens are not an error; the
// caller ends up logged out either way.
func (s *Service) Logout(ctx context.Context, raw string) error {
	err := s.repo.Tokens().Delete(ctx, raw)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil
	}
	return err
}

// ensureShellUser pins a remote identity with a passwordless row so
// ownership references stay stable. Races with another request creating
// the same shell are benign.
func (s *Service) ensureShellUser(ctx context.Context, identity string) error {
	_, err := s.repo.Users().GetByIdentity(ctx, identity)
	if err == nil {
		return nil
	}
	if !errors.Is(err, accounts.ErrNotFound) {
		return err
	}
	createErr := s.repo.Users().Create(ctx, &accounts.User{
		Identity:  identity,
		IsLocal:   false,
		CreatedAt: s.now().UTC(),
	})
	if createErr != nil && !errors.Is(createErr, accounts.ErrExists) {
		return createErr
	}
	return nil
}
