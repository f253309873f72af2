package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/registry"
)

var ErrInvalidPeerURL = errors.New("invalid peer URL")

// Service owns the peer table, referral selection, and the replication
// protocol in both directions.
type Service struct {
	repo   Store
	client *Client

	// serverURL and serverDomain identify this node so it never refers
	// to or syncs from itself.
	serverURL    string
	serverDomain string
	now          func() time.Time
}

func NewService(repo Store, client *Client, serverURL, serverDomain string) *Service {
	return &Service{
		repo:         repo,
		client:       client,
		serverURL:    serverURL,
		serverDomain: serverDomain,
		now:          time.Now,
	}
}

// AddPeer registers a peer by base URL. Self-references are rejected.
func (s *Service) AddPeer(ctx context.Context, baseURL, source string) (*Peer, error) {
	domain, normalized, err := normalizePeerURL(baseURL)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(domain, s.serverDomain) || normalized == s.serverURL {
		return nil, fmt.Errorf("%w: refusing to peer with self", ErrInvalidPeerURL)
	}

	now := s.now().UTC()
	peer := &Peer{
		Domain:      domain,
		BaseURL:     normalized,
		Source:      source,
		SyncEnabled: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Peers().Upsert(ctx, peer); err != nil {
		return nil, err
	}
	return s.repo.Peers().GetByDomain(ctx, domain)
}

// ListPeers returns the peer table, configured peers first.
func (s *Service) ListPeers(ctx context.Context) ([]Peer, error) {
	return s.repo.Peers().List(ctx)
}

// Referrals selects peers worth querying for a search: every configured
// peer, plus learned peers whose authoritative regions intersect the
// query. Ordering is deterministic and the list is capped.
func (s *Service) Referrals(ctx context.Context, point geo.Location, rangeM float64) []registry.Referral {
	peers, err := s.repo.Peers().List(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("referral peer listing failed")
		return nil
	}

	selected := peers[:0]
	for _, peer := range peers {
		if strings.EqualFold(peer.Domain, s.serverDomain) {
			continue
		}
		if peer.Source == SourceConfigured {
			selected = append(selected, peer)
			continue
		}
		for _, region := range peer.AuthoritativeRegions {
			if geo.Intersects(region, point, rangeM) {
				selected = append(selected, peer)
				break
			}
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if (a.Source == SourceConfigured) != (b.Source == SourceConfigured) {
			return a.Source == SourceConfigured
		}
		at, bt := lastSeen(a), lastSeen(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.BaseURL < b.BaseURL
	})
	if len(selected) > MaxReferrals {
		selected = selected[:MaxReferrals]
	}

	referrals := make([]registry.Referral, len(selected))
	for i, peer := range selected {
		referrals[i] = registry.Referral{Server: peer.Domain, URL: peer.BaseURL}
	}
	return referrals
}

// RefreshPeer fetches the peer's well-known document and records what it
// claims: hint, authoritative regions, and any peers it knows that we
// do not. Failures leave the row untouched.
func (s *Service) RefreshPeer(ctx context.Context, peer Peer) error {
	doc, err := s.client.FetchWellKnown(ctx, peer.BaseURL)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.Domain).Msg("peer metadata refresh failed")
		return err
	}

	now := s.now().UTC()
	if err := s.repo.Peers().UpdateMetadata(ctx, peer.Domain, doc.Hint, doc.AuthoritativeRegions, now); err != nil {
		return err
	}

	for _, known := range doc.KnownPeers {
		domain, _, err := normalizePeerURL(known)
		if err != nil || strings.EqualFold(domain, s.serverDomain) {
			continue
		}
		if _, err := s.repo.Peers().GetByDomain(ctx, domain); err == nil {
			continue
		} else if !errors.Is(err, ErrPeerNotFound) {
			continue
		}
		if _, err := s.AddPeer(ctx, known, SourceLearned); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("peer", known).Msg("ignoring unusable learned peer")
		}
	}
	return nil
}

// RefreshAll refreshes every peer's metadata, best effort.
func (s *Service) RefreshAll(ctx context.Context) {
	peers, err := s.repo.Peers().List(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("peer listing failed")
		return
	}
	for _, peer := range peers {
		_ = s.RefreshPeer(ctx, peer)
	}
}

func lastSeen(p Peer) time.Time {
	if p.LastSeenAt == nil {
		return time.Time{}
	}
	return *p.LastSeenAt
}

func normalizePeerURL(raw string) (domain, normalized string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPeerURL, raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Fragment = ""
	u.RawQuery = ""
	return strings.ToLower(u.Hostname()), u.String(), nil
}
