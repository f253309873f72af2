package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/registry"
)

type RegistrationRepository struct {
	q dbtx
}

var _ registry.RegistrationRepository = (*RegistrationRepository)(nil)

const registrationColumns = `id, origin_server, origin_id, owner, space, service_point, foad,
	version, replicated_from, last_synced_at, min_lat, max_lat, min_lon, max_lon, bbox_wraps, created_at, updated_at`

func (r *RegistrationRepository) Upsert(ctx context.Context, reg *registry.Registration) error {
	space, err := json.Marshal(reg.Space)
	if err != nil {
		return fmt.Errorf("marshal space: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO registrations (`+registrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (origin_server, origin_id) DO UPDATE SET
			id = excluded.id,
			owner = excluded.owner,
			space = excluded.space,
			service_point = excluded.service_point,
			foad = excluded.foad,
			version = excluded.version,
			replicated_from = excluded.replicated_from,
			last_synced_at = excluded.last_synced_at,
			min_lat = excluded.min_lat,
			max_lat = excluded.max_lat,
			min_lon = excluded.min_lon,
			max_lon = excluded.max_lon,
			bbox_wraps = excluded.bbox_wraps,
			updated_at = excluded.updated_at`,
		reg.ID, reg.OriginServer, reg.OriginID, reg.Owner, string(space),
		reg.ServicePoint, boolInt(reg.FOAD), reg.Version, reg.ReplicatedFrom,
		nanosPtr(reg.LastSyncedAt),
		reg.BBox.MinLat, reg.BBox.MaxLat, reg.BBox.MinLon, reg.BBox.MaxLon,
		boolInt(reg.BBox.Wraps), nanos(reg.CreatedAt), nanos(reg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

// GetByID resolves a locally originated registration by its public id.
func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*registry.Registration, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations
		WHERE id = ? AND replicated_from = ''`, id)
	return scanRegistration(row)
}

// GetAnyByID matches local records first, then replicas carrying the
// same id.
func (r *RegistrationRepository) GetAnyByID(ctx context.Context, id string) (*registry.Registration, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations
		WHERE id = ?
		ORDER BY CASE WHEN replicated_from = '' THEN 0 ELSE 1 END
		LIMIT 1`, id)
	return scanRegistration(row)
}

func (r *RegistrationRepository) GetByOrigin(ctx context.Context, originServer, originID string) (*registry.Registration, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations
		WHERE origin_server = ? AND origin_id = ?`, originServer, originID)
	return scanRegistration(row)
}

func (r *RegistrationRepository) DeleteByOrigin(ctx context.Context, originServer, originID string) error {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM registrations WHERE origin_server = ? AND origin_id = ?`,
		originServer, originID)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// SearchBBox matches stored bounding boxes against the query box.
// Wrapping boxes on either side are split into their two longitude
// intervals, so records straddling the antimeridian still match.
func (r *RegistrationRepository) SearchBBox(ctx context.Context, box geo.BoundingBox) ([]registry.Registration, error) {
	var lonClauses []string
	args := []any{box.MinLat, box.MaxLat}
	for _, lr := range box.LonRanges() {
		lonClauses = append(lonClauses,
			`(bbox_wraps = 0 AND max_lon >= ? AND min_lon <= ?) OR (bbox_wraps = 1 AND (min_lon <= ? OR max_lon >= ?))`)
		args = append(args, lr.Min, lr.Max, lr.Max, lr.Min)
	}

	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE max_lat >= ? AND min_lat <= ? AND (` + strings.Join(lonClauses, " OR ") + `)`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search bbox: %w", err)
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

func (r *RegistrationRepository) ListByOwner(ctx context.Context, owner string) ([]registry.Registration, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations
		WHERE owner = ? AND replicated_from = ''
		ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

func (r *RegistrationRepository) CountLocalByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrations WHERE owner = ? AND replicated_from = ''`,
		owner).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by owner: %w", err)
	}
	return count, nil
}

func (r *RegistrationRepository) SnapshotPage(ctx context.Context, afterServer, afterID string, limit int) ([]registry.Registration, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations
		WHERE (origin_server, origin_id) > (?, ?)
		ORDER BY origin_server, origin_id
		LIMIT ?`, afterServer, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot page: %w", err)
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*registry.Registration, error) {
	var (
		reg          registry.Registration
		space        string
		foad, wraps  int
		synced       sql.NullInt64
		created, upd int64
	)
	err := row.Scan(&reg.ID, &reg.OriginServer, &reg.OriginID, &reg.Owner,
		&space, &reg.ServicePoint, &foad, &reg.Version, &reg.ReplicatedFrom, &synced,
		&reg.BBox.MinLat, &reg.BBox.MaxLat, &reg.BBox.MinLon, &reg.BBox.MaxLon,
		&wraps, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	if err := json.Unmarshal([]byte(space), &reg.Space); err != nil {
		return nil, fmt.Errorf("unmarshal space: %w", err)
	}
	reg.FOAD = foad != 0
	reg.LastSyncedAt = fromNanosPtr(synced)
	reg.BBox.Wraps = wraps != 0
	reg.CreatedAt = fromNanos(created)
	reg.UpdatedAt = fromNanos(upd)
	return &reg, nil
}

func collectRegistrations(rows *sql.Rows) ([]registry.Registration, error) {
	var out []registry.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
