package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mrs-federation/server/internal/domain/accounts"
)

type UserRepository struct {
	q dbtx
}

var _ accounts.UserRepository = (*UserRepository)(nil)

func (r *UserRepository) Create(ctx context.Context, user *accounts.User) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (identity, email, password_hash, is_local, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		user.Identity, user.Email, user.PasswordHash, boolInt(user.IsLocal), nanos(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return accounts.ErrExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByIdentity(ctx context.Context, identity string) (*accounts.User, error) {
	var (
		user    accounts.User
		isLocal int
		created int64
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT identity, email, password_hash, is_local, created_at
		FROM users WHERE identity = ?`, identity).
		Scan(&user.Identity, &user.Email, &user.PasswordHash, &isLocal, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.IsLocal = isLocal != 0
	user.CreatedAt = fromNanos(created)
	return &user, nil
}

type TokenRepository struct {
	q dbtx
}

var _ accounts.TokenRepository = (*TokenRepository)(nil)

func (r *TokenRepository) Create(ctx context.Context, token *accounts.Token) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tokens (token, identity, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		token.Token, token.Identity, nanos(token.ExpiresAt), nanos(token.CreatedAt))
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func (r *TokenRepository) Get(ctx context.Context, value string) (*accounts.Token, error) {
	var (
		token            accounts.Token
		expires, created int64
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT token, identity, expires_at, created_at
		FROM tokens WHERE token = ?`, value).
		Scan(&token.Token, &token.Identity, &expires, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	token.ExpiresAt = fromNanos(expires)
	token.CreatedAt = fromNanos(created)
	return &token, nil
}

func (r *TokenRepository) Delete(ctx context.Context, value string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, value)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return accounts.ErrNotFound
	}
	return nil
}

func (r *TokenRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at <= ?`, nanos(now))
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
