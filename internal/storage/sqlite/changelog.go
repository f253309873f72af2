package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrs-federation/server/internal/domain/registry"
)

type ChangeLogRepository struct {
	q dbtx
}

var _ registry.ChangeLogRepository = (*ChangeLogRepository)(nil)

func (r *ChangeLogRepository) Append(ctx context.Context, event *registry.ChangeEvent) (int64, error) {
	var payload any
	if event.Registration != nil {
		raw, err := json.Marshal(event.Registration)
		if err != nil {
			return 0, fmt.Errorf("marshal change payload: %w", err)
		}
		payload = string(raw)
	}

	result, err := r.q.ExecContext(ctx, `
		INSERT INTO change_log (change_id, kind, origin_server, origin_id, version, payload, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ChangeID, event.Kind, event.OriginServer, event.OriginID,
		event.Version, payload, nanos(event.ChangedAt))
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("change seq: %w", err)
	}
	event.Seq = seq
	return seq, nil
}

func (r *ChangeLogRepository) ListSince(ctx context.Context, sinceSeq int64, limit int) ([]registry.ChangeEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, change_id, kind, origin_server, origin_id, version, payload, changed_at
		FROM change_log
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?`, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []registry.ChangeEvent
	for rows.Next() {
		var (
			event   registry.ChangeEvent
			payload sql.NullString
			changed int64
		)
		if err := rows.Scan(&event.Seq, &event.ChangeID, &event.Kind,
			&event.OriginServer, &event.OriginID, &event.Version, &payload, &changed); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		event.ChangedAt = fromNanos(changed)
		if payload.Valid {
			var reg registry.Registration
			if err := json.Unmarshal([]byte(payload.String), &reg); err != nil {
				return nil, fmt.Errorf("unmarshal change payload: %w", err)
			}
			event.Registration = &reg
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// PurgeOlderThan trims the log at the retention horizon. Peers whose
// cursor predates the trim are forced back onto a fresh snapshot.
func (r *ChangeLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM change_log WHERE changed_at < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge change log: %w", err)
	}
	return result.RowsAffected()
}

func (r *ChangeLogRepository) EarliestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.q.QueryRowContext(ctx, `SELECT MIN(seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("earliest seq: %w", err)
	}
	return seq.Int64, nil
}

func (r *ChangeLogRepository) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.q.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq.Int64, nil
}
