package federation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/server/internal/api/pagination"
	"github.com/mrs-federation/server/internal/auth/httpsig"
	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/ids"
	"github.com/mrs-federation/server/internal/domain/registry"
	"github.com/mrs-federation/server/internal/storage/sqlite"
)

const (
	localURL    = "https://a.example"
	localDomain = "a.example"
)

type staticKeys struct {
	key federation.ServerKey
}

func (s staticKeys) ServerKey(context.Context) (federation.ServerKey, error) {
	return s.key, nil
}

func newTestEngine(t *testing.T) (*federation.Service, *sqlite.Repository) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.MigrateUp(db))
	repo, err := sqlite.NewRepository(db)
	require.NoError(t, err)

	_, privatePEM, err := httpsig.GenerateEd25519()
	require.NoError(t, err)
	client := federation.NewClient(staticKeys{key: federation.ServerKey{
		Identity:      "_server@" + localDomain,
		KeyURL:        localURL + "/.well-known/mrs/keys/_server#server-test",
		PrivateKeyPEM: privatePEM,
	}})

	svc := federation.NewService(repo.FederationStore(), client, localURL, localDomain)
	return svc, repo
}

func remoteRegistration(originID string, version int64) *registry.Registration {
	space := geo.Geometry{
		Type:   geo.TypeSphere,
		Center: &geo.Location{Lat: 48.8584, Lon: 2.2945},
		Radius: 120,
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &registry.Registration{
		ID:           originID,
		OriginServer: "https://b.example",
		OriginID:     originID,
		Owner:        "mark@b.example",
		Space:        space,
		ServicePoint: "https://svc.b.example/mr",
		Version:      version,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func upsertEvent(reg *registry.Registration) registry.ChangeEvent {
	return registry.ChangeEvent{
		ChangeID:     ids.NewChangeID(),
		Kind:         registry.ChangeUpsert,
		OriginServer: reg.OriginServer,
		OriginID:     reg.OriginID,
		Version:      reg.Version,
		ChangedAt:    reg.UpdatedAt,
		Registration: reg,
	}
}

func TestAddPeerRejectsSelfAndGarbage(t *testing.T) {
	svc, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AddPeer(ctx, localURL, federation.SourceConfigured)
	assert.ErrorIs(t, err, federation.ErrInvalidPeerURL)

	_, err = svc.AddPeer(ctx, "not a url", federation.SourceConfigured)
	assert.ErrorIs(t, err, federation.ErrInvalidPeerURL)

	peer, err := svc.AddPeer(ctx, "https://b.example/", federation.SourceConfigured)
	require.NoError(t, err)
	assert.Equal(t, "b.example", peer.Domain)
	assert.Equal(t, "https://b.example", peer.BaseURL)
	assert.True(t, peer.NeedsSnapshot())
}

func TestReferralSelectionAndOrdering(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	paris := geo.Geometry{Type: geo.TypeSphere, Center: &geo.Location{Lat: 48.85, Lon: 2.35}, Radius: 50_000}
	tokyo := geo.Geometry{Type: geo.TypeSphere, Center: &geo.Location{Lat: 35.68, Lon: 139.69}, Radius: 50_000}

	_, err := svc.AddPeer(ctx, "https://cfg.example", federation.SourceConfigured)
	require.NoError(t, err)

	for _, p := range []struct {
		url     string
		region  geo.Geometry
		seenAgo time.Duration
	}{
		{"https://near-old.example", paris, 2 * time.Hour},
		{"https://near-new.example", paris, time.Minute},
		{"https://far.example", tokyo, time.Minute},
	} {
		peer, err := svc.AddPeer(ctx, p.url, federation.SourceLearned)
		require.NoError(t, err)
		seen := time.Now().UTC().Add(-p.seenAgo)
		require.NoError(t, repo.Peers().UpdateMetadata(ctx, peer.Domain, nil, []geo.Geometry{p.region}, seen))
	}

	refs := svc.Referrals(ctx, geo.Location{Lat: 48.86, Lon: 2.34}, 500)
	require.Len(t, refs, 3, "far peer's region does not cover the query")
	// Configured first, then learned by most recent contact.
	assert.Equal(t, "cfg.example", refs[0].Server)
	assert.Equal(t, "near-new.example", refs[1].Server)
	assert.Equal(t, "near-old.example", refs[2].Server)
}

func TestReferralsCapped(t *testing.T) {
	svc, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < federation.MaxReferrals+4; i++ {
		_, err := svc.AddPeer(ctx, "https://peer"+string(rune('a'+i))+".example", federation.SourceConfigured)
		require.NoError(t, err)
	}
	refs := svc.Referrals(ctx, geo.Location{Lat: 0, Lon: 0}, 100)
	assert.Len(t, refs, federation.MaxReferrals)
}

func TestApplyEventsIsIdempotent(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	peer := federation.Peer{Domain: "b.example", BaseURL: "https://b.example"}
	event := upsertEvent(remoteRegistration("reg_b1", 3))

	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{event}))
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{event}))

	got, err := repo.Registrations().GetByOrigin(ctx, "https://b.example", "reg_b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "https://b.example", got.ReplicatedFrom)
	assert.NotNil(t, got.LastSyncedAt)
	assert.False(t, got.IsLocal())

	// Only the first apply relays into the local feed.
	latest, err := repo.Changes().LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestApplyEventsDropsLocalOrigin(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	reg := remoteRegistration("reg_spoof", 1)
	reg.OriginServer = localURL
	peer := federation.Peer{Domain: "b.example", BaseURL: "https://b.example"}

	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(reg)}))

	_, err := repo.Registrations().GetByOrigin(ctx, localURL, "reg_spoof")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestApplyEventsStaleVersionIgnored(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()
	peer := federation.Peer{Domain: "b.example", BaseURL: "https://b.example"}

	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(remoteRegistration("reg_v", 5))}))

	stale := remoteRegistration("reg_v", 4)
	stale.ServicePoint = "https://svc.b.example/old"
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(stale)}))

	got, err := repo.Registrations().GetByOrigin(ctx, "https://b.example", "reg_v")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, "https://svc.b.example/mr", got.ServicePoint)
}

func TestApplyEventsEqualVersionDivergenceKeepsLocal(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()
	peer := federation.Peer{Domain: "b.example", BaseURL: "https://b.example"}

	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(remoteRegistration("reg_c", 2))}))

	divergent := remoteRegistration("reg_c", 2)
	divergent.ServicePoint = "https://svc.b.example/other"
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(divergent)}))

	got, err := repo.Registrations().GetByOrigin(ctx, "https://b.example", "reg_c")
	require.NoError(t, err)
	assert.Equal(t, "https://svc.b.example/mr", got.ServicePoint)
}

func TestTombstoneDominatesReplayedUpsert(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()
	peer := federation.Peer{Domain: "b.example", BaseURL: "https://b.example"}

	reg := remoteRegistration("reg_dead", 2)
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(reg)}))

	del := registry.ChangeEvent{
		ChangeID:     ids.NewChangeID(),
		Kind:         registry.ChangeDelete,
		OriginServer: reg.OriginServer,
		OriginID:     reg.OriginID,
		Version:      2,
		ChangedAt:    time.Now().UTC(),
	}
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{del}))

	_, err := repo.Registrations().GetByOrigin(ctx, reg.OriginServer, reg.OriginID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// A replayed upsert at or below the tombstone version must not
	// resurrect the record.
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(reg)}))
	_, err = repo.Registrations().GetByOrigin(ctx, reg.OriginServer, reg.OriginID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// A genuinely newer version does.
	newer := remoteRegistration("reg_dead", 3)
	require.NoError(t, svc.ApplyEvents(ctx, peer, []registry.ChangeEvent{upsertEvent(newer)}))
	got, err := repo.Registrations().GetByOrigin(ctx, reg.OriginServer, reg.OriginID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
}

func TestSnapshotPaging(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"reg_1", "reg_2", "reg_3"} {
		reg := remoteRegistration(id, 1)
		reg.BBox = geo.ComputeBBox(reg.Space)
		require.NoError(t, repo.Registrations().Upsert(ctx, reg))
	}
	_, err := repo.Changes().Append(ctx, &registry.ChangeEvent{
		ChangeID: ids.NewChangeID(), Kind: registry.ChangeUpsert,
		OriginServer: "https://b.example", OriginID: "reg_3", Version: 1,
		ChangedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	first, err := svc.Snapshot(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, first.Registrations, 2)
	assert.NotEmpty(t, first.NextCursor)
	assert.Empty(t, first.ChangesCursor)

	second, err := svc.Snapshot(ctx, first.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, second.Registrations, 1)
	assert.Empty(t, second.NextCursor)

	// The final page positions the caller at the feed's tail.
	seq, err := pagination.DecodeChangeCursor(second.ChangesCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	_, err = svc.Snapshot(ctx, "garbage", 2)
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

func TestSnapshotTailCapturedAtStart(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"reg_1", "reg_2", "reg_3"} {
		reg := remoteRegistration(id, 1)
		reg.BBox = geo.ComputeBBox(reg.Space)
		require.NoError(t, repo.Registrations().Upsert(ctx, reg))
	}

	first, err := svc.Snapshot(ctx, "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, first.NextCursor)

	// A write lands in an already-scanned key range while the snapshot is
	// in flight.
	seq, err := repo.Changes().Append(ctx, &registry.ChangeEvent{
		ChangeID: ids.NewChangeID(), Kind: registry.ChangeUpsert,
		OriginServer: "https://b.example", OriginID: "reg_1", Version: 2,
		ChangedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	last, err := svc.Snapshot(ctx, first.NextCursor, 2)
	require.NoError(t, err)
	require.Empty(t, last.NextCursor)

	// The handed-out delta cursor predates the whole scan, so the
	// mid-snapshot write is replayed rather than skipped.
	page, err := svc.Changes(ctx, last.ChangesCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, seq, page.Events[0].Seq)
	assert.Equal(t, "reg_1", page.Events[0].OriginID)
}

func TestApplyEventsDropAnonymousOrigin(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	reg := remoteRegistration("reg_anon", 1)
	reg.OriginServer = ""
	err := svc.ApplyEvents(ctx, federation.Peer{Domain: "b.example", BaseURL: "https://b.example"}, []registry.ChangeEvent{{
		ChangeID: ids.NewChangeID(), Kind: registry.ChangeUpsert,
		OriginID: "reg_anon", Version: 1,
		ChangedAt: time.Now().UTC(), Registration: reg,
	}})
	require.NoError(t, err)

	_, err = repo.Registrations().GetByOrigin(ctx, "", "reg_anon")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestChangesCursorExpiry(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for i, id := range []string{"reg_1", "reg_2", "reg_3", "reg_4"} {
		at := old
		if i >= 2 {
			at = time.Now().UTC()
		}
		_, err := repo.Changes().Append(ctx, &registry.ChangeEvent{
			ChangeID: ids.NewChangeID(), Kind: registry.ChangeDelete,
			OriginServer: "https://b.example", OriginID: id, Version: 1,
			ChangedAt: at,
		})
		require.NoError(t, err)
	}

	page, err := svc.Changes(ctx, pagination.EncodeChangeCursor(0), 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)

	// Resuming from the returned cursor yields nothing new but stays valid.
	again, err := svc.Changes(ctx, page.NextCursor, 10)
	require.NoError(t, err)
	assert.Empty(t, again.Events)
	assert.Equal(t, page.NextCursor, again.NextCursor)

	purged, err := repo.Changes().PurgeOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	_, err = svc.Changes(ctx, pagination.EncodeChangeCursor(0), 10)
	assert.ErrorIs(t, err, federation.ErrCursorExpired)

	// A cursor at the trim boundary still works.
	page, err = svc.Changes(ctx, pagination.EncodeChangeCursor(2), 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
}

func TestSyncOnceBootstrapThenDelta(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	var snapshots, changes atomic.Int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Signature-Input"), "sync pulls must be signed")
		assert.Equal(t, "_server@a.example", r.Header.Get("MRS-Identity"))

		switch r.URL.Path {
		case "/sync/snapshot":
			snapshots.Add(1)
			_ = json.NewEncoder(w).Encode(federation.SnapshotPage{
				Registrations: []registry.Registration{*remoteRegistration("reg_snap", 1)},
				ChangesCursor: pagination.EncodeChangeCursor(7),
			})
		case "/sync/changes":
			changes.Add(1)
			assert.Equal(t, pagination.EncodeChangeCursor(7), r.URL.Query().Get("cursor"))
			_ = json.NewEncoder(w).Encode(federation.ChangePage{
				NextCursor: pagination.EncodeChangeCursor(7),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer remote.Close()

	peer, err := svc.AddPeer(ctx, remote.URL, federation.SourceConfigured)
	require.NoError(t, err)

	require.NoError(t, svc.SyncOnce(ctx, *peer))
	assert.Equal(t, int32(1), snapshots.Load())

	got, err := repo.Registrations().GetByOrigin(ctx, "https://b.example", "reg_snap")
	require.NoError(t, err)
	assert.Equal(t, remote.URL, got.ReplicatedFrom)

	// The stored cursor switches the next pull to the delta feed.
	peer, err = repo.Peers().GetByDomain(ctx, peer.Domain)
	require.NoError(t, err)
	require.False(t, peer.NeedsSnapshot())

	require.NoError(t, svc.SyncOnce(ctx, *peer))
	assert.Equal(t, int32(1), snapshots.Load())
	assert.Equal(t, int32(1), changes.Load())
}

func TestSyncOnceRestartsOnExpiredCursor(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	var snapshots atomic.Int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/changes":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": 400, "error": "cursor_expired"})
		case "/sync/snapshot":
			snapshots.Add(1)
			_ = json.NewEncoder(w).Encode(federation.SnapshotPage{
				ChangesCursor: pagination.EncodeChangeCursor(0),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer remote.Close()

	peer, err := svc.AddPeer(ctx, remote.URL, federation.SourceConfigured)
	require.NoError(t, err)
	stale := pagination.EncodeChangeCursor(99)
	require.NoError(t, repo.Peers().UpdateSyncState(ctx, peer.Domain, &stale, time.Now().UTC(), nil))

	peer, err = repo.Peers().GetByDomain(ctx, peer.Domain)
	require.NoError(t, err)
	require.NoError(t, svc.SyncOnce(ctx, *peer))
	assert.Equal(t, int32(1), snapshots.Load())

	peer, err = repo.Peers().GetByDomain(ctx, peer.Domain)
	require.NoError(t, err)
	assert.Equal(t, pagination.EncodeChangeCursor(0), *peer.SyncCursor)
}

func TestSyncOnceRecordsFailure(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer remote.Close()

	peer, err := svc.AddPeer(ctx, remote.URL, federation.SourceConfigured)
	require.NoError(t, err)
	require.Error(t, svc.SyncOnce(ctx, *peer))

	peer, err = repo.Peers().GetByDomain(ctx, peer.Domain)
	require.NoError(t, err)
	assert.Equal(t, 1, peer.ConsecutiveFails)
	require.NotNil(t, peer.LastSyncError)
	assert.True(t, peer.NeedsSnapshot(), "failed bootstrap leaves no cursor")
}

func TestRefreshPeerLearnsMetadataAndPeers(t *testing.T) {
	svc, repo := newTestEngine(t)
	ctx := context.Background()

	hint := "Europe west"
	region := geo.Geometry{Type: geo.TypeSphere, Center: &geo.Location{Lat: 48.85, Lon: 2.35}, Radius: 100_000}
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/mrs", r.URL.Path)
		_ = json.NewEncoder(w).Encode(federation.WellKnownDoc{
			Server:               "https://b.example",
			MRSVersion:           "1.0",
			Hint:                 &hint,
			AuthoritativeRegions: []geo.Geometry{region},
			KnownPeers:           []string{"https://d.example", localURL},
		})
	}))
	defer remote.Close()

	peer, err := svc.AddPeer(ctx, remote.URL, federation.SourceConfigured)
	require.NoError(t, err)
	require.NoError(t, svc.RefreshPeer(ctx, *peer))

	peer, err = repo.Peers().GetByDomain(ctx, peer.Domain)
	require.NoError(t, err)
	require.NotNil(t, peer.Hint)
	assert.Equal(t, "Europe west", *peer.Hint)
	require.Len(t, peer.AuthoritativeRegions, 1)
	assert.NotNil(t, peer.LastSeenAt)

	// d.example was learned; our own URL was not.
	learned, err := repo.Peers().GetByDomain(ctx, "d.example")
	require.NoError(t, err)
	assert.Equal(t, federation.SourceLearned, learned.Source)
	_, err = repo.Peers().GetByDomain(ctx, localDomain)
	assert.ErrorIs(t, err, federation.ErrPeerNotFound)
}
