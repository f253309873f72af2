package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/ids"
	"github.com/mrs-federation/server/internal/metrics"
)

var (
	ErrNotFound              = errors.New("registration not found")
	ErrForbidden             = errors.New("caller does not own this registration")
	ErrLimitExceeded         = errors.New("registration limit reached")
	ErrServicePointRequired  = errors.New("service_point required unless foad is set")
	ErrServicePointForbidden = errors.New("service_point must be absent when foad is set")
	ErrInvalidRange          = errors.New("invalid search range")
)

// NotAuthoritativeError rejects a write against a record another server
// originated. OriginServer tells the client where to go instead.
type NotAuthoritativeError struct {
	OriginServer string
}

func (e *NotAuthoritativeError) Error() string {
	return fmt.Sprintf("not authoritative, origin is %s", e.OriginServer)
}

// ReferralSource supplies the peers worth querying for a search. The
// federation engine implements it.
type ReferralSource interface {
	Referrals(ctx context.Context, point geo.Location, rangeM float64) []Referral
}

// Service orchestrates register, release, and search over the store.
type Service struct {
	repo      Repository
	referrals ReferralSource

	// serverURL is the canonical public URL; it becomes origin_server on
	// every locally authored record.
	serverURL  string
	maxRadius  float64
	maxResults int
	// maxPerUser caps local registrations per owner, 0 means unlimited.
	maxPerUser int
	now        func() time.Time
}

type Config struct {
	ServerURL  string
	MaxRadius  float64
	MaxResults int
	MaxPerUser int
}

func NewService(repo Repository, referrals ReferralSource, cfg Config) *Service {
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = geo.MaxSphereRadiusM
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	return &Service{
		repo:       repo,
		referrals:  referrals,
		serverURL:  cfg.ServerURL,
		maxRadius:  cfg.MaxRadius,
		maxResults: cfg.MaxResults,
		maxPerUser: cfg.MaxPerUser,
		now:        time.Now,
	}
}

// RegisterInput is a validated registration request. A non-empty ID
// makes it an update of an existing local record.
type RegisterInput struct {
	ID           string
	Space        geo.Geometry
	ServicePoint string
	FOAD         bool

	// Canonical hints; when present they must name this server.
	OriginServer string
	OriginID     string
}

// Register creates or updates a registration authored by this server.
func (s *Service) Register(ctx context.Context, caller string, input RegisterInput) (*Registration, error) {
	if input.FOAD && input.ServicePoint != "" {
		return nil, ErrServicePointForbidden
	}
	if !input.FOAD {
		if input.ServicePoint == "" {
			return nil, ErrServicePointRequired
		}
		if err := ValidateServicePoint(input.ServicePoint); err != nil {
			return nil, err
		}
	}
	if err := input.Space.Validate(s.maxRadius); err != nil {
		return nil, err
	}
	if input.OriginServer != "" && input.OriginServer != s.serverURL {
		return nil, &NotAuthoritativeError{OriginServer: input.OriginServer}
	}

	if input.ID != "" {
		return s.update(ctx, caller, input)
	}
	return s.create(ctx, caller, input)
}

func (s *Service) create(ctx context.Context, caller string, input RegisterInput) (*Registration, error) {
	now := s.now().UTC()
	id := ids.NewRegistrationID()
	reg := &Registration{
		ID:           id,
		OriginServer: s.serverURL,
		OriginID:     id,
		Owner:        caller,
		Space:        input.Space,
		ServicePoint: input.ServicePoint,
		FOAD:         input.FOAD,
		Version:      1,
		BBox:         geo.ComputeBBox(input.Space),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if s.maxPerUser > 0 {
			count, err := tx.Registrations().CountLocalByOwner(ctx, caller)
			if err != nil {
				return err
			}
			if count >= s.maxPerUser {
				return ErrLimitExceeded
			}
		}
		if err := tx.Registrations().Upsert(ctx, reg); err != nil {
			return err
		}
		return s.appendChange(ctx, tx, ChangeUpsert, reg)
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *Service) update(ctx context.Context, caller string, input RegisterInput) (*Registration, error) {
	var updated *Registration
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		existing, err := tx.Registrations().GetAnyByID(ctx, input.ID)
		if err != nil {
			return err
		}
		if !existing.IsLocal() || existing.OriginServer != s.serverURL {
			return &NotAuthoritativeError{OriginServer: existing.OriginServer}
		}
		if existing.Owner != caller {
			return ErrForbidden
		}

		next := *existing
		next.Space = input.Space
		next.ServicePoint = input.ServicePoint
		next.FOAD = input.FOAD
		next.Version = existing.Version + 1
		next.BBox = geo.ComputeBBox(input.Space)
		next.UpdatedAt = s.now().UTC()

		if err := tx.Registrations().Upsert(ctx, &next); err != nil {
			return err
		}
		if err := s.appendChange(ctx, tx, ChangeUpsert, &next); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Release deletes a local registration and emits a tombstone at the
// record's final version, atomically with the change-log append.
func (s *Service) Release(ctx context.Context, caller, id string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		existing, err := tx.Registrations().GetAnyByID(ctx, id)
		if err != nil {
			return err
		}
		if !existing.IsLocal() || existing.OriginServer != s.serverURL {
			return &NotAuthoritativeError{OriginServer: existing.OriginServer}
		}
		if existing.Owner != caller {
			return ErrForbidden
		}

		ts := &Tombstone{
			OriginServer: existing.OriginServer,
			OriginID:     existing.OriginID,
			Version:      existing.Version,
			DeletedAt:    s.now().UTC(),
		}
		if err := tx.Tombstones().Upsert(ctx, ts); err != nil {
			return err
		}
		if err := tx.Registrations().DeleteByOrigin(ctx, existing.OriginServer, existing.OriginID); err != nil {
			return err
		}
		event := &ChangeEvent{
			ChangeID:     ids.NewChangeID(),
			Kind:         ChangeDelete,
			OriginServer: existing.OriginServer,
			OriginID:     existing.OriginID,
			Version:      existing.Version,
			ChangedAt:    ts.DeletedAt,
		}
		_, err = tx.Changes().Append(ctx, event)
		return err
	})
}

// Get returns a locally originated registration by id.
func (s *Service) Get(ctx context.Context, id string) (*Registration, error) {
	reg, err := s.repo.Registrations().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// ListByOwner returns the caller's locally originated registrations.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]Registration, error) {
	return s.repo.Registrations().ListByOwner(ctx, owner)
}

// Search runs the full pipeline: coarse bbox plan, precise geometric
// filter, dedupe, tombstone shadowing, deterministic ordering, referral
// attachment.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]SearchResult, []Referral, error) {
	if !q.Point.Valid() {
		return nil, nil, geo.ErrInvalidCoordinates
	}
	if q.RangeM < 0 || q.RangeM > s.maxRadius {
		return nil, nil, fmt.Errorf("%w: %g", ErrInvalidRange, q.RangeM)
	}

	box := geo.BBoxForSearch(q.Point, q.RangeM)
	candidates, err := s.repo.Registrations().SearchBBox(ctx, box)
	if err != nil {
		return nil, nil, err
	}

	matched := candidates[:0]
	for _, cand := range candidates {
		if geo.Intersects(cand.Space, q.Point, q.RangeM) {
			matched = append(matched, cand)
		}
	}

	matched = Dedupe(matched)
	matched, err = s.shadowTombstoned(ctx, matched)
	if err != nil {
		return nil, nil, err
	}

	results := make([]SearchResult, 0, len(matched))
	for _, reg := range matched {
		result := SearchResult{
			ID:           reg.ID,
			OriginServer: reg.OriginServer,
			OriginID:     reg.OriginID,
			Space:        reg.Space,
			FOAD:         reg.FOAD,
			Distance:     geo.DistanceTo(reg.Space, q.Point),
			Volume:       geo.Volume(reg.Space),
		}
		if !reg.FOAD {
			result.ServicePoint = reg.ServicePoint
		}
		results = append(results, result)
	}

	// Inside-out: smallest volume first, then nearest, then id.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Volume != results[j].Volume {
			return results[i].Volume < results[j].Volume
		}
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > s.maxResults {
		results = results[:s.maxResults]
	}
	metrics.SearchResultsReturned.Observe(float64(len(results)))

	var referrals []Referral
	if s.referrals != nil {
		referrals = s.referrals.Referrals(ctx, q.Point, q.RangeM)
		metrics.ReferralsAttached.Add(float64(len(referrals)))
	}
	return results, referrals, nil
}

func (s *Service) shadowTombstoned(ctx context.Context, regs []Registration) ([]Registration, error) {
	if len(regs) == 0 {
		return regs, nil
	}
	origins := make([][2]string, len(regs))
	for i, reg := range regs {
		origins[i] = [2]string{reg.OriginServer, reg.OriginID}
	}
	tombstones, err := s.repo.Tombstones().ListByOrigins(ctx, origins)
	if err != nil {
		return nil, err
	}
	if len(tombstones) == 0 {
		return regs, nil
	}

	shadow := make(map[[2]string]int64, len(tombstones))
	for _, ts := range tombstones {
		shadow[[2]string{ts.OriginServer, ts.OriginID}] = ts.Version
	}
	kept := regs[:0]
	for _, reg := range regs {
		if v, ok := shadow[[2]string{reg.OriginServer, reg.OriginID}]; ok && reg.Version <= v {
			continue
		}
		kept = append(kept, reg)
	}
	return kept, nil
}

func (s *Service) appendChange(ctx context.Context, tx Repository, kind string, reg *Registration) error {
	event := &ChangeEvent{
		ChangeID:     ids.NewChangeID(),
		Kind:         kind,
		OriginServer: reg.OriginServer,
		OriginID:     reg.OriginID,
		Version:      reg.Version,
		ChangedAt:    reg.UpdatedAt,
		Registration: reg,
	}
	_, err := tx.Changes().Append(ctx, event)
	return err
}
