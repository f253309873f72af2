package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByIdentity(ctx context.Context, identity string) (*User, error)
}

type TokenRepository interface {
	Create(ctx context.Context, token *Token) error
	Get(ctx context.Context, token string) (*Token, error)
	Delete(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// KeyRepository stores the signing keys published for local identities.
type KeyRepository interface {
	Put(ctx context.Context, key *Key) error
	ListByOwner(ctx context.Context, owner string) ([]Key, error)
	Get(ctx context.Context, owner, keyID string) (*Key, error)
	Deprecate(ctx context.Context, owner, keyID string) error
}
