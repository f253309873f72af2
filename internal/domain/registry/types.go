// Package registry implements the core MRS registration model: spatial
// records bound to service points, with canonical origin identity and
// version-monotonic updates.
package registry

import (
	"time"

	"github.com/mrs-federation/server/internal/domain/geo"
)

// Registration is a claim that a bounded volume of space is served by a
// service point. OriginServer plus OriginID is the canonical identity
// everywhere in the federation; ID is only unique on the origin server.
type Registration struct {
	ID           string       `json:"id"`
	OriginServer string       `json:"origin_server"`
	OriginID     string       `json:"origin_id"`
	Owner        string       `json:"owner"`
	Space        geo.Geometry `json:"space"`
	ServicePoint string       `json:"service_point"`
	FOAD         bool         `json:"foad,omitempty"`
	Version      int64        `json:"version"`

	// ReplicatedFrom is empty for records this server originated and the
	// peer URL the copy arrived from otherwise.
	ReplicatedFrom string     `json:"replicated_from,omitempty"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`

	BBox geo.BoundingBox `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Origin returns the canonical identity pair.
func (r Registration) Origin() (string, string) {
	return r.OriginServer, r.OriginID
}

// IsLocal reports whether this server is authoritative for the record.
func (r Registration) IsLocal() bool {
	return r.ReplicatedFrom == ""
}

// Tombstone marks a released registration so the deletion propagates and
// shadows stale replicas until the retention window lapses.
type Tombstone struct {
	OriginServer string    `json:"origin_server"`
	OriginID     string    `json:"origin_id"`
	Version      int64     `json:"version"`
	DeletedAt    time.Time `json:"deleted_at"`
}

// Change kinds recorded in the change log.
const (
	ChangeUpsert = "upsert"
	ChangeDelete = "delete"
)

// ChangeEvent is one entry of the ordered change log backing delta sync.
// Seq is assigned by the store in the same transaction as the write, so
// feed order matches commit order.
type ChangeEvent struct {
	Seq          int64     `json:"-"`
	ChangeID     string    `json:"change_id"`
	Kind         string    `json:"kind"`
	OriginServer string    `json:"origin_server"`
	OriginID     string    `json:"origin_id"`
	Version      int64     `json:"version"`
	ChangedAt    time.Time `json:"changed_at"`

	// Registration is the full record for upserts and nil for deletes.
	Registration *Registration `json:"registration,omitempty"`
}

// SearchQuery is a resolved spatial lookup: which volumes contain or fall
// within range of the point.
type SearchQuery struct {
	Point  geo.Location
	RangeM float64
}

// SearchResult is one search hit. ServicePoint is omitted for FOAD
// records and Distance is meters from the query point to the geometry
// surface, zero when the point is inside.
type SearchResult struct {
	ID           string       `json:"id"`
	OriginServer string       `json:"origin_server"`
	OriginID     string       `json:"origin_id"`
	Space        geo.Geometry `json:"space"`
	ServicePoint string       `json:"service_point,omitempty"`
	FOAD         bool         `json:"foad,omitempty"`
	Distance     float64      `json:"distance"`
	Volume       float64      `json:"-"`
}

// Referral points a client at another MRS server that may hold coverage
// the local server lacks.
type Referral struct {
	Server string `json:"server"`
	URL    string `json:"url"`
}
