package federation

import (
	"context"
	"time"

	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/registry"
)

type PeerRepository interface {
	Upsert(ctx context.Context, peer *Peer) error
	GetByDomain(ctx context.Context, domain string) (*Peer, error)
	List(ctx context.Context) ([]Peer, error)
	UpdateMetadata(ctx context.Context, domain string, hint *string, regions []geo.Geometry, seenAt time.Time) error
	UpdateSyncState(ctx context.Context, domain string, cursor *string, syncedAt time.Time, syncErr *string) error
	Delete(ctx context.Context, domain string) error
}

// Store is the persistence the federation engine depends on: the peer
// table plus the replicated registration state it ingests into.
type Store interface {
	Peers() PeerRepository
	Registrations() registry.RegistrationRepository
	Tombstones() registry.TombstoneRepository
	Changes() registry.ChangeLogRepository

	WithTx(ctx context.Context, fn func(context.Context, Store) error) error
}
