package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mrs-federation/server/internal/domain/accounts"
)

type KeyRepository struct {
	q dbtx
}

var _ accounts.KeyRepository = (*KeyRepository)(nil)

const keyColumns = `id, owner, key_id, algorithm, public_key, private_key, deprecated, created_at, expires_at`

func (r *KeyRepository) Put(ctx context.Context, key *accounts.Key) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, key_id) DO UPDATE SET
			algorithm = excluded.algorithm,
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			deprecated = excluded.deprecated,
			expires_at = excluded.expires_at`,
		key.ID, key.Owner, key.KeyID, key.Algorithm, key.PublicKey, key.PrivateKey,
		boolInt(key.Deprecated), nanos(key.CreatedAt), nanosPtr(key.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put key: %w", err)
	}
	return nil
}

func (r *KeyRepository) ListByOwner(ctx context.Context, owner string) ([]accounts.Key, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM keys
		WHERE owner = ?
		ORDER BY created_at, key_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []accounts.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *key)
	}
	return out, rows.Err()
}

func (r *KeyRepository) Get(ctx context.Context, owner, keyID string) (*accounts.Key, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM keys
		WHERE owner = ? AND key_id = ?`, owner, keyID)
	return scanKey(row)
}

// Deprecate marks a key so verification skips it; the row is kept so
// published history stays resolvable.
func (r *KeyRepository) Deprecate(ctx context.Context, owner, keyID string) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE keys SET deprecated = 1 WHERE owner = ? AND key_id = ? AND deprecated = 0`,
		owner, keyID)
	if err != nil {
		return fmt.Errorf("deprecate key: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return accounts.ErrNotFound
	}
	return nil
}

func scanKey(row rowScanner) (*accounts.Key, error) {
	var (
		key        accounts.Key
		deprecated int
		created    int64
		expires    sql.NullInt64
	)
	err := row.Scan(&key.ID, &key.Owner, &key.KeyID, &key.Algorithm,
		&key.PublicKey, &key.PrivateKey, &deprecated, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrNotFound
		}
		return nil, fmt.Errorf("scan key: %w", err)
	}
	key.Deprecated = deprecated != 0
	key.CreatedAt = fromNanos(created)
	key.ExpiresAt = fromNanosPtr(expires)
	return &key, nil
}
