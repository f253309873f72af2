package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrs-federation/server/internal/api/pagination"
	"github.com/mrs-federation/server/internal/domain/registry"
)

// ErrCursorExpired means the change log has been trimmed past the
// caller's cursor and the caller must restart from a snapshot.
var ErrCursorExpired = errors.New("cursor expired")

const (
	DefaultPageSize = 500
	MaxPageSize     = 1000
)

// SnapshotPage is one page of a full-state transfer.
type SnapshotPage struct {
	Registrations []registry.Registration `json:"registrations"`
	// NextCursor resumes the snapshot; empty on the final page.
	NextCursor string `json:"next_cursor,omitempty"`
	// ChangesCursor is set on the final page and positions the caller at
	// the change-log tail as of the start of the scan, so no event
	// concurrent with the snapshot is lost.
	ChangesCursor string `json:"changes_cursor,omitempty"`
}

// ChangePage is one page of the delta feed.
type ChangePage struct {
	Events     []registry.ChangeEvent `json:"events"`
	NextCursor string                 `json:"next_cursor"`
}

// Snapshot serves a page of all registrations in canonical identity
// order. The change-log tail is captured on the FIRST page and threaded
// through the cursor, so a write committed to an already-scanned key
// range mid-snapshot still reaches the caller through the delta feed.
func (s *Service) Snapshot(ctx context.Context, cursor string, limit int) (*SnapshotPage, error) {
	limit = clampLimit(limit)

	var after pagination.SnapshotCursor
	if cursor != "" {
		c, err := pagination.DecodeSnapshotCursor(cursor)
		if err != nil {
			return nil, err
		}
		after = c
	} else {
		latest, err := s.repo.Changes().LatestSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot tail: %w", err)
		}
		after.TailSeq = latest
	}

	regs, err := s.repo.Registrations().SnapshotPage(ctx, after.OriginServer, after.OriginID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("snapshot page: %w", err)
	}

	page := &SnapshotPage{}
	if len(regs) > limit {
		regs = regs[:limit]
		last := regs[len(regs)-1]
		page.NextCursor = pagination.EncodeSnapshotCursor(pagination.SnapshotCursor{
			OriginServer: last.OriginServer,
			OriginID:     last.OriginID,
			TailSeq:      after.TailSeq,
		})
	} else {
		page.ChangesCursor = pagination.EncodeChangeCursor(after.TailSeq)
	}
	page.Registrations = regs
	return page, nil
}

// Changes serves events strictly after the given cursor. A cursor that
// predates the retained log returns ErrCursorExpired.
func (s *Service) Changes(ctx context.Context, cursor string, limit int) (*ChangePage, error) {
	limit = clampLimit(limit)

	sinceSeq, err := pagination.DecodeChangeCursor(cursor)
	if err != nil {
		return nil, err
	}

	earliest, err := s.repo.Changes().EarliestSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("change horizon: %w", err)
	}
	if earliest > 0 && sinceSeq < earliest-1 {
		return nil, ErrCursorExpired
	}

	events, err := s.repo.Changes().ListSince(ctx, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}

	next := sinceSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return &ChangePage{
		Events:     events,
		NextCursor: pagination.EncodeChangeCursor(next),
	}, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
