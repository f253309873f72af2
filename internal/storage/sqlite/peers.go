package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/geo"
)

type PeerRepository struct {
	q dbtx
}

var _ federation.PeerRepository = (*PeerRepository)(nil)

const peerColumns = `domain, base_url, source, hint, authoritative_regions, last_seen_at,
	sync_cursor, sync_enabled, last_sync_at, last_sync_error, consecutive_fails, created_at, updated_at`

// Upsert inserts or refreshes a peer. A configured peer is never
// downgraded to learned by a later discovery.
func (r *PeerRepository) Upsert(ctx context.Context, peer *federation.Peer) error {
	regions, err := marshalRegions(peer.AuthoritativeRegions)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			base_url = excluded.base_url,
			source = CASE WHEN peers.source = 'configured' THEN peers.source ELSE excluded.source END,
			sync_enabled = excluded.sync_enabled,
			updated_at = excluded.updated_at`,
		peer.Domain, peer.BaseURL, peer.Source, peer.Hint, regions,
		nanosPtr(peer.LastSeenAt), peer.SyncCursor, boolInt(peer.SyncEnabled),
		nanosPtr(peer.LastSyncAt), peer.LastSyncError, peer.ConsecutiveFails,
		nanos(peer.CreatedAt), nanos(peer.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

func (r *PeerRepository) GetByDomain(ctx context.Context, domain string) (*federation.Peer, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+peerColumns+` FROM peers WHERE domain = ?`, domain)
	return scanPeer(row)
}

func (r *PeerRepository) List(ctx context.Context) ([]federation.Peer, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+peerColumns+` FROM peers
		ORDER BY CASE source WHEN 'configured' THEN 0 ELSE 1 END, created_at, domain`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []federation.Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *peer)
	}
	return out, rows.Err()
}

// UpdateMetadata records what a well-known refresh learned about the
// peer. Refresh failures skip this call, so last_seen_at only advances
// on successful contact.
func (r *PeerRepository) UpdateMetadata(ctx context.Context, domain string, hint *string, regions []geo.Geometry, seenAt time.Time) error {
	encoded, err := marshalRegions(regions)
	if err != nil {
		return err
	}

	result, err := r.q.ExecContext(ctx, `
		UPDATE peers SET hint = ?, authoritative_regions = ?, last_seen_at = ?, updated_at = ?
		WHERE domain = ?`,
		hint, encoded, nanos(seenAt), nanos(seenAt), domain)
	if err != nil {
		return fmt.Errorf("update peer metadata: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return federation.ErrPeerNotFound
	}
	return nil
}

// UpdateSyncState records the outcome of one sync attempt. A nil syncErr
// resets the failure streak; an error leaves the cursor untouched.
func (r *PeerRepository) UpdateSyncState(ctx context.Context, domain string, cursor *string, syncedAt time.Time, syncErr *string) error {
	var result sql.Result
	var err error
	if syncErr == nil {
		result, err = r.q.ExecContext(ctx, `
			UPDATE peers SET sync_cursor = ?, last_sync_at = ?, last_sync_error = NULL,
				consecutive_fails = 0, updated_at = ?
			WHERE domain = ?`,
			cursor, nanos(syncedAt), nanos(syncedAt), domain)
	} else {
		result, err = r.q.ExecContext(ctx, `
			UPDATE peers SET last_sync_at = ?, last_sync_error = ?,
				consecutive_fails = consecutive_fails + 1, updated_at = ?
			WHERE domain = ?`,
			nanos(syncedAt), *syncErr, nanos(syncedAt), domain)
	}
	if err != nil {
		return fmt.Errorf("update peer sync state: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return federation.ErrPeerNotFound
	}
	return nil
}

func (r *PeerRepository) Delete(ctx context.Context, domain string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM peers WHERE domain = ?`, domain)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return federation.ErrPeerNotFound
	}
	return nil
}

func marshalRegions(regions []geo.Geometry) (any, error) {
	if len(regions) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(regions)
	if err != nil {
		return nil, fmt.Errorf("marshal regions: %w", err)
	}
	return string(raw), nil
}

func scanPeer(row rowScanner) (*federation.Peer, error) {
	var (
		peer     federation.Peer
		hint     sql.NullString
		regions  sql.NullString
		seenAt   sql.NullInt64
		cursor   sql.NullString
		enabled  int
		syncedAt sql.NullInt64
		syncErr  sql.NullString
		created  int64
		updated  int64
	)
	err := row.Scan(&peer.Domain, &peer.BaseURL, &peer.Source, &hint, &regions, &seenAt,
		&cursor, &enabled, &syncedAt, &syncErr, &peer.ConsecutiveFails, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrPeerNotFound
		}
		return nil, fmt.Errorf("scan peer: %w", err)
	}
	if hint.Valid {
		peer.Hint = &hint.String
	}
	if regions.Valid {
		if err := json.Unmarshal([]byte(regions.String), &peer.AuthoritativeRegions); err != nil {
			return nil, fmt.Errorf("unmarshal regions: %w", err)
		}
	}
	peer.LastSeenAt = fromNanosPtr(seenAt)
	if cursor.Valid {
		peer.SyncCursor = &cursor.String
	}
	peer.SyncEnabled = enabled != 0
	peer.LastSyncAt = fromNanosPtr(syncedAt)
	if syncErr.Valid {
		peer.LastSyncError = &syncErr.String
	}
	peer.CreatedAt = fromNanos(created)
	peer.UpdatedAt = fromNanos(updated)
	return &peer, nil
}
