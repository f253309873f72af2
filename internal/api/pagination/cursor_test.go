package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeCursorRoundTrip(t *testing.T) {
	cursor := EncodeChangeCursor(42)
	seq, err := DecodeChangeCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestDecodeChangeCursorInvalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"empty", ""},
		{"not base64", "not-base64!!!"},
		{"wrong prefix", EncodeSnapshotCursor(SnapshotCursor{OriginServer: "https://a.example", OriginID: "reg_x"})},
		{"negative", "c2VxXy01"},
		{"not a number", "c2VxX2FiYw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChangeCursor(tt.cursor)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestSnapshotCursorRoundTrip(t *testing.T) {
	// origin_server is a URL; the "://" must survive the round trip intact.
	in := SnapshotCursor{OriginServer: "https://b.example", OriginID: "reg_abc123", TailSeq: 17}
	decoded, err := DecodeSnapshotCursor(EncodeSnapshotCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestDecodeSnapshotCursorInvalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"empty", ""},
		{"change cursor", EncodeChangeCursor(7)},
		{"missing server", EncodeSnapshotCursor(SnapshotCursor{OriginID: "reg_x"})},
		{"missing id", EncodeSnapshotCursor(SnapshotCursor{OriginServer: "https://a.example"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshotCursor(tt.cursor)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}
