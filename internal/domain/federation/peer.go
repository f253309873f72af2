// Package federation manages peer servers and the replication protocol
// between them: snapshot bootstrap, delta pulls, and referral selection.
package federation

import (
	"errors"
	"time"

	"github.com/mrs-federation/server/internal/domain/geo"
)

// Peer sources, in referral-precedence order. Configured peers were
// placed by the operator; learned peers were discovered from other
// servers' well-known documents.
const (
	SourceConfigured = "configured"
	SourceLearned    = "learned"
)

// MaxReferrals caps the referral list attached to search responses.
const MaxReferrals = 16

// ProtocolVersion is advertised in the well-known document.
const ProtocolVersion = "1.0"

var ErrPeerNotFound = errors.New("peer not found")

// Peer is another MRS server this one replicates from and refers
// clients to.
type Peer struct {
	Domain  string
	BaseURL string
	Source  string

	// Hint and AuthoritativeRegions come from the peer's well-known
	// document and drive referral selection for learned peers.
	Hint                 *string
	AuthoritativeRegions []geo.Geometry
	LastSeenAt           *time.Time

	// SyncCursor is the opaque delta cursor returned by the peer on the
	// last successful pull, nil before the first snapshot completes.
	SyncCursor *string

	SyncEnabled      bool
	LastSyncAt       *time.Time
	LastSyncError    *string
	ConsecutiveFails int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsSnapshot reports whether the peer has never completed a bootstrap.
func (p Peer) NeedsSnapshot() bool {
	return p.SyncCursor == nil
}
