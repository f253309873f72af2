package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/ids"
	"github.com/mrs-federation/server/internal/domain/registry"
	"github.com/mrs-federation/server/internal/metrics"
)

// syncLocks serializes pulls per peer so overlapping ticker runs never
// interleave cursor updates.
var syncLocks sync.Map

// SyncOnce pulls from one peer: a paged snapshot if the peer has never
// been bootstrapped, delta changes otherwise. A cursor the peer no
// longer retains resets the peer to a fresh snapshot.
func (s *Service) SyncOnce(ctx context.Context, peer Peer) error {
	lock, _ := syncLocks.LoadOrStore(peer.Domain, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		return nil
	}
	defer mu.Unlock()

	var (
		cursor string
		err    error
	)
	if peer.NeedsSnapshot() {
		cursor, err = s.pullSnapshot(ctx, peer)
	} else {
		cursor, err = s.pullChanges(ctx, peer, *peer.SyncCursor)
		if errors.Is(err, ErrCursorExpired) {
			zerolog.Ctx(ctx).Warn().Str("peer", peer.Domain).
				Msg("delta cursor expired, restarting from snapshot")
			cursor, err = s.pullSnapshot(ctx, peer)
		}
	}

	now := s.now().UTC()
	if err != nil {
		metrics.SyncPulls.WithLabelValues(peer.Domain, "error").Inc()
		msg := err.Error()
		if uerr := s.repo.Peers().UpdateSyncState(ctx, peer.Domain, nil, now, &msg); uerr != nil {
			zerolog.Ctx(ctx).Error().Err(uerr).Str("peer", peer.Domain).Msg("sync state update failed")
		}
		return err
	}

	metrics.SyncPulls.WithLabelValues(peer.Domain, "ok").Inc()
	return s.repo.Peers().UpdateSyncState(ctx, peer.Domain, &cursor, now, nil)
}

// SyncAll runs one pull for every sync-enabled peer.
func (s *Service) SyncAll(ctx context.Context) {
	peers, err := s.repo.Peers().List(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("peer listing failed")
		return
	}
	for _, peer := range peers {
		if !peer.SyncEnabled {
			continue
		}
		if err := s.SyncOnce(ctx, peer); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.Domain).Msg("sync pull failed")
		}
	}
}

func (s *Service) pullSnapshot(ctx context.Context, peer Peer) (string, error) {
	cursor := ""
	for {
		page, err := s.client.FetchSnapshot(ctx, peer.BaseURL, cursor)
		if err != nil {
			return "", fmt.Errorf("snapshot from %s: %w", peer.Domain, err)
		}
		if err := s.ApplySnapshot(ctx, peer, page.Registrations); err != nil {
			return "", err
		}
		if page.NextCursor == "" {
			return page.ChangesCursor, nil
		}
		cursor = page.NextCursor
	}
}

func (s *Service) pullChanges(ctx context.Context, peer Peer, cursor string) (string, error) {
	for {
		page, err := s.client.FetchChanges(ctx, peer.BaseURL, cursor)
		if err != nil {
			return "", err
		}
		if err := s.ApplyEvents(ctx, peer, page.Events); err != nil {
			return "", err
		}
		if len(page.Events) == 0 {
			return page.NextCursor, nil
		}
		cursor = page.NextCursor
	}
}

// ApplySnapshot ingests one snapshot page as replica upserts.
func (s *Service) ApplySnapshot(ctx context.Context, peer Peer, regs []registry.Registration) error {
	for i := range regs {
		reg := regs[i]
		event := registry.ChangeEvent{
			ChangeID:     ids.NewChangeID(),
			Kind:         registry.ChangeUpsert,
			OriginServer: reg.OriginServer,
			OriginID:     reg.OriginID,
			Version:      reg.Version,
			ChangedAt:    reg.UpdatedAt,
			Registration: &reg,
		}
		if err := s.applyEvent(ctx, peer, event); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEvents ingests delta events in feed order.
func (s *Service) ApplyEvents(ctx context.Context, peer Peer, events []registry.ChangeEvent) error {
	for _, event := range events {
		if err := s.applyEvent(ctx, peer, event); err != nil {
			return err
		}
	}
	return nil
}

// applyEvent applies one replicated change. Events claiming this server
// as origin are sovereignty violations: the origin is the sole authority
// for its own records, so the event is counted and dropped. Events with
// no canonical identity are dropped too; dedup and tombstone shadowing
// key on (origin_server, origin_id), so an anonymous record could never
// be superseded or released.
func (s *Service) applyEvent(ctx context.Context, peer Peer, event registry.ChangeEvent) error {
	if event.OriginServer == "" || event.OriginID == "" {
		zerolog.Ctx(ctx).Warn().
			Str("peer", peer.Domain).
			Str("change_id", event.ChangeID).
			Msg("dropping replicated event without canonical identity")
		return nil
	}
	if event.OriginServer == s.serverURL {
		metrics.SovereigntyViolations.Inc()
		zerolog.Ctx(ctx).Warn().
			Str("peer", peer.Domain).
			Str("origin_id", event.OriginID).
			Msg("dropping replicated event claiming local origin")
		return nil
	}

	switch event.Kind {
	case registry.ChangeUpsert:
		if event.Registration == nil {
			zerolog.Ctx(ctx).Warn().Str("peer", peer.Domain).
				Str("change_id", event.ChangeID).Msg("upsert event without payload")
			return nil
		}
		return s.applyUpsert(ctx, peer, event)
	case registry.ChangeDelete:
		return s.applyDelete(ctx, peer, event)
	default:
		zerolog.Ctx(ctx).Warn().Str("kind", event.Kind).Msg("unknown change kind")
		return nil
	}
}

func (s *Service) applyUpsert(ctx context.Context, peer Peer, event registry.ChangeEvent) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, repo Store) error {
		incoming := *event.Registration

		// A tombstone at or above the incoming version shadows it.
		ts, err := repo.Tombstones().GetByOrigin(ctx, incoming.OriginServer, incoming.OriginID)
		if err == nil && incoming.Version <= ts.Version {
			return nil
		} else if err != nil && !errors.Is(err, registry.ErrNotFound) {
			return err
		}

		existing, err := repo.Registrations().GetByOrigin(ctx, incoming.OriginServer, incoming.OriginID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
		case err != nil:
			return err
		case incoming.Version < existing.Version:
			return nil
		case incoming.Version == existing.Version:
			if diverged(incoming, *existing) {
				// Same version, different content: keep what we have and
				// surface the divergence for the operator.
				metrics.SyncConflicts.Inc()
				zerolog.Ctx(ctx).Warn().
					Str("origin_server", incoming.OriginServer).
					Str("origin_id", incoming.OriginID).
					Int64("version", incoming.Version).
					Msg("equal-version divergence, keeping local copy")
			}
			return nil
		}

		now := s.now().UTC()
		incoming.ReplicatedFrom = peer.BaseURL
		incoming.LastSyncedAt = &now
		incoming.BBox = geo.ComputeBBox(incoming.Space)
		if err := repo.Registrations().Upsert(ctx, &incoming); err != nil {
			return err
		}

		// Re-log under a fresh change id so downstream peers see the
		// update through this server's feed.
		relay := registry.ChangeEvent{
			ChangeID:     ids.NewChangeID(),
			Kind:         registry.ChangeUpsert,
			OriginServer: incoming.OriginServer,
			OriginID:     incoming.OriginID,
			Version:      incoming.Version,
			ChangedAt:    now,
			Registration: &incoming,
		}
		_, err = repo.Changes().Append(ctx, &relay)
		return err
	})
}

func (s *Service) applyDelete(ctx context.Context, peer Peer, event registry.ChangeEvent) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, repo Store) error {
		existing, err := repo.Registrations().GetByOrigin(ctx, event.OriginServer, event.OriginID)
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			return err
		}
		if existing != nil && existing.Version > event.Version {
			// A newer copy outlives the tombstone; keep it.
			return nil
		}

		now := s.now().UTC()
		ts := &registry.Tombstone{
			OriginServer: event.OriginServer,
			OriginID:     event.OriginID,
			Version:      event.Version,
			DeletedAt:    event.ChangedAt,
		}
		if err := repo.Tombstones().Upsert(ctx, ts); err != nil {
			return err
		}
		if existing != nil {
			if err := repo.Registrations().DeleteByOrigin(ctx, event.OriginServer, event.OriginID); err != nil {
				return err
			}
		}

		relay := registry.ChangeEvent{
			ChangeID:     ids.NewChangeID(),
			Kind:         registry.ChangeDelete,
			OriginServer: event.OriginServer,
			OriginID:     event.OriginID,
			Version:      event.Version,
			ChangedAt:    now,
		}
		_, err = repo.Changes().Append(ctx, &relay)
		return err
	})
}

// diverged reports whether two copies at the same version differ in the
// fields the origin controls.
func diverged(a, b registry.Registration) bool {
	if a.ServicePoint != b.ServicePoint || a.FOAD != b.FOAD || a.Owner != b.Owner {
		return true
	}
	return !a.Space.Equal(b.Space)
}

// TombstoneRetention is the minimum time tombstones stay visible so
// disconnected peers still observe deletions.
const TombstoneRetention = 30 * 24 * time.Hour

// PurgeExpired drops tombstones and change-log entries older than the
// retention window.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) error {
	if retention < TombstoneRetention {
		retention = TombstoneRetention
	}
	cutoff := s.now().UTC().Add(-retention)

	purged, err := s.repo.Tombstones().PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge tombstones: %w", err)
	}
	metrics.TombstonesPurged.Add(float64(purged))

	if _, err := s.repo.Changes().PurgeOlderThan(ctx, cutoff); err != nil {
		return fmt.Errorf("purge change log: %w", err)
	}
	return nil
}
