package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mrs-federation/server/internal/domain/registry"
)

type TombstoneRepository struct {
	q dbtx
}

var _ registry.TombstoneRepository = (*TombstoneRepository)(nil)

func (r *TombstoneRepository) Upsert(ctx context.Context, ts *registry.Tombstone) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tombstones (origin_server, origin_id, version, deleted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (origin_server, origin_id) DO UPDATE SET
			version = MAX(version, excluded.version),
			deleted_at = excluded.deleted_at`,
		ts.OriginServer, ts.OriginID, ts.Version, nanos(ts.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert tombstone: %w", err)
	}
	return nil
}

func (r *TombstoneRepository) GetByOrigin(ctx context.Context, originServer, originID string) (*registry.Tombstone, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT origin_server, origin_id, version, deleted_at
		FROM tombstones
		WHERE origin_server = ? AND origin_id = ?`, originServer, originID)
	return scanTombstone(row)
}

// ListByOrigins fetches tombstones for a batch of canonical identities in
// one query, used to shadow stale replicas out of search results.
func (r *TombstoneRepository) ListByOrigins(ctx context.Context, origins [][2]string) ([]registry.Tombstone, error) {
	if len(origins) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(origins))
	args := make([]any, 0, len(origins)*2)
	for i, origin := range origins {
		placeholders[i] = "(?, ?)"
		args = append(args, origin[0], origin[1])
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT origin_server, origin_id, version, deleted_at
		FROM tombstones
		WHERE (origin_server, origin_id) IN (VALUES `+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var out []registry.Tombstone
	for rows.Next() {
		ts, err := scanTombstone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ts)
	}
	return out, rows.Err()
}

func (r *TombstoneRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM tombstones WHERE deleted_at < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return result.RowsAffected()
}

func scanTombstone(row rowScanner) (*registry.Tombstone, error) {
	var (
		ts      registry.Tombstone
		deleted int64
	)
	err := row.Scan(&ts.OriginServer, &ts.OriginID, &ts.Version, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scan tombstone: %w", err)
	}
	ts.DeletedAt = fromNanos(deleted)
	return &ts, nil
}
