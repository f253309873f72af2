package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeWinnerSelection(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	candidate := func(version int64, updated time.Time, replicatedFrom string) Registration {
		return Registration{
			ID:             "reg_same",
			OriginServer:   "https://a.example",
			OriginID:       "reg_same",
			Version:        version,
			UpdatedAt:      updated,
			ReplicatedFrom: replicatedFrom,
		}
	}

	tests := []struct {
		name string
		in   []Registration
		want Registration
	}{
		{
			name: "higher version wins",
			in:   []Registration{candidate(1, base, ""), candidate(3, base, "https://b.example")},
			want: candidate(3, base, "https://b.example"),
		},
		{
			name: "version tie falls to latest updated",
			in:   []Registration{candidate(2, base, ""), candidate(2, base.Add(time.Minute), "https://b.example")},
			want: candidate(2, base.Add(time.Minute), "https://b.example"),
		},
		{
			name: "full tie prefers origin copy",
			in:   []Registration{candidate(2, base, "https://b.example"), candidate(2, base, "")},
			want: candidate(2, base, ""),
		},
		{
			name: "order independence",
			in:   []Registration{candidate(2, base, ""), candidate(2, base, "https://b.example")},
			want: candidate(2, base, ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dedupe(tt.in)
			assert.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestDedupeKeepsDistinctIdentities(t *testing.T) {
	in := []Registration{
		{OriginServer: "https://a.example", OriginID: "reg_1", Version: 1},
		{OriginServer: "https://a.example", OriginID: "reg_2", Version: 1},
		{OriginServer: "https://b.example", OriginID: "reg_1", Version: 1},
	}
	got := Dedupe(in)
	assert.Len(t, got, 3)
	// First-seen order is preserved.
	assert.Equal(t, "reg_1", got[0].OriginID)
	assert.Equal(t, "https://a.example", got[0].OriginServer)
}
