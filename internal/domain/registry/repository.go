package registry

import (
	"context"
	"time"

	"github.com/mrs-federation/server/internal/domain/geo"
)

// Repository is the persistence the registration service depends on.
// Accessors on a transactional repository (inside WithTx) operate within
// that transaction.
type Repository interface {
	Registrations() RegistrationRepository
	Tombstones() TombstoneRepository
	Changes() ChangeLogRepository

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
}

// RegistrationRepository stores local and replicated registrations keyed
// by their canonical (origin_server, origin_id) identity. Lookups that
// miss return ErrNotFound.
type RegistrationRepository interface {
	Upsert(ctx context.Context, reg *Registration) error
	GetByID(ctx context.Context, id string) (*Registration, error)
	// GetAnyByID also matches replicas, for authority checks on writes
	// addressed to a replicated record.
	GetAnyByID(ctx context.Context, id string) (*Registration, error)
	GetByOrigin(ctx context.Context, originServer, originID string) (*Registration, error)
	DeleteByOrigin(ctx context.Context, originServer, originID string) error

	// SearchBBox returns candidates whose stored bounding box intersects
	// the query box, including both halves of a wrapping box.
	SearchBBox(ctx context.Context, box geo.BoundingBox) ([]Registration, error)

	ListByOwner(ctx context.Context, owner string) ([]Registration, error)
	CountLocalByOwner(ctx context.Context, owner string) (int, error)

	// SnapshotPage scans all records in (origin_server, origin_id) order,
	// resuming strictly after the given pair when set.
	SnapshotPage(ctx context.Context, afterServer, afterID string, limit int) ([]Registration, error)
}

// TombstoneRepository stores deletion markers for released registrations.
type TombstoneRepository interface {
	Upsert(ctx context.Context, ts *Tombstone) error
	GetByOrigin(ctx context.Context, originServer, originID string) (*Tombstone, error)
	ListByOrigins(ctx context.Context, origins [][2]string) ([]Tombstone, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChangeLogRepository is the append-only ordered log behind delta sync.
type ChangeLogRepository interface {
	// Append assigns and returns the next sequence number. Callers append
	// in the same transaction as the registration write.
	Append(ctx context.Context, event *ChangeEvent) (int64, error)
	ListSince(ctx context.Context, sinceSeq int64, limit int) ([]ChangeEvent, error)
	EarliestSeq(ctx context.Context) (int64, error)
	LatestSeq(ctx context.Context) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
