// Package sqlite implements the domain repository interfaces on a
// single-file SQLite database via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrs-federation/server/internal/domain/accounts"
	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/registry"
	_ "modernc.org/sqlite"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the database file and applies the pragmas the
// server depends on. ":memory:" is accepted for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent request handlers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Repository holds all table access. The domain services see it through
// the narrow views below.
type Repository struct {
	db *sql.DB
	tx *sql.Tx
}

func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite repository: db is nil")
	}
	return &Repository{db: db}, nil
}

func (r *Repository) conn() dbtx {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r *Repository) Registrations() registry.RegistrationRepository {
	return &RegistrationRepository{q: r.conn()}
}

func (r *Repository) Tombstones() registry.TombstoneRepository {
	return &TombstoneRepository{q: r.conn()}
}

func (r *Repository) Changes() registry.ChangeLogRepository {
	return &ChangeLogRepository{q: r.conn()}
}

func (r *Repository) Users() accounts.UserRepository {
	return &UserRepository{q: r.conn()}
}

func (r *Repository) Tokens() accounts.TokenRepository {
	return &TokenRepository{q: r.conn()}
}

func (r *Repository) Keys() accounts.KeyRepository {
	return &KeyRepository{q: r.conn()}
}

func (r *Repository) Peers() federation.PeerRepository {
	return &PeerRepository{q: r.conn()}
}

// WithTx runs fn inside a transaction. Nested calls reuse the open
// transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, *Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	wrapped := &Repository{db: r.db, tx: tx}
	if err := fn(ctx, wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RegistryStore adapts the repository to the registration service's view.
func (r *Repository) RegistryStore() registry.Repository {
	return registryStore{r: r}
}

type registryStore struct {
	r *Repository
}

var _ registry.Repository = registryStore{}

func (s registryStore) Registrations() registry.RegistrationRepository { return s.r.Registrations() }
func (s registryStore) Tombstones() registry.TombstoneRepository       { return s.r.Tombstones() }
func (s registryStore) Changes() registry.ChangeLogRepository          { return s.r.Changes() }

func (s registryStore) WithTx(ctx context.Context, fn func(context.Context, registry.Repository) error) error {
	return s.r.WithTx(ctx, func(ctx context.Context, tx *Repository) error {
		return fn(ctx, registryStore{r: tx})
	})
}

// FederationStore adapts the repository to the federation engine's view.
func (r *Repository) FederationStore() federation.Store {
	return federationStore{r: r}
}

type federationStore struct {
	r *Repository
}

var _ federation.Store = federationStore{}

func (s federationStore) Peers() federation.PeerRepository             { return s.r.Peers() }
func (s federationStore) Registrations() registry.RegistrationRepository {
	return s.r.Registrations()
}
func (s federationStore) Tombstones() registry.TombstoneRepository { return s.r.Tombstones() }
func (s federationStore) Changes() registry.ChangeLogRepository    { return s.r.Changes() }

func (s federationStore) WithTx(ctx context.Context, fn func(context.Context, federation.Store) error) error {
	return s.r.WithTx(ctx, func(ctx context.Context, tx *Repository) error {
		return fn(ctx, federationStore{r: tx})
	})
}

// Timestamps are stored as UTC unix nanoseconds.
func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
