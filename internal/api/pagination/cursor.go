// Package pagination encodes the opaque cursors used by the delta feed and
// snapshot endpoints.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeChangeCursor encodes a change-log sequence number for delta feeds.
func EncodeChangeCursor(sequence int64) string {
	value := fmt.Sprintf("seq_%d", sequence)
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// DecodeChangeCursor decodes base64(seq_<number>) into a sequence number.
func DecodeChangeCursor(cursor string) (int64, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	value := string(decoded)
	if !strings.HasPrefix(value, "seq_") {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(value, "seq_"), 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// SnapshotCursor marks a resume point in a snapshot scan. Snapshot pages
// iterate the canonical (origin_server, origin_id) order, so the cursor is
// the last pair returned. TailSeq is the change-log tail captured when the
// snapshot started; it rides along every page so the final page can hand
// the caller a delta cursor that predates the whole scan.
type SnapshotCursor struct {
	OriginServer string `json:"s"`
	OriginID     string `json:"id"`
	TailSeq      int64  `json:"seq"`
}

// EncodeSnapshotCursor encodes the cursor as base64 of a JSON object.
// origin_server is a URL, so a delimiter-joined encoding would be
// ambiguous.
func EncodeSnapshotCursor(c SnapshotCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeSnapshotCursor decodes a cursor produced by EncodeSnapshotCursor.
func DecodeSnapshotCursor(cursor string) (SnapshotCursor, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return SnapshotCursor{}, ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return SnapshotCursor{}, ErrInvalidCursor
	}
	var c SnapshotCursor
	if err := json.Unmarshal(decoded, &c); err != nil {
		return SnapshotCursor{}, ErrInvalidCursor
	}
	if c.OriginServer == "" || c.OriginID == "" || c.TailSeq < 0 {
		return SnapshotCursor{}, ErrInvalidCursor
	}
	return c, nil
}
