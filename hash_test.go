package configserver

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestContentTag(t *testing.T) {
	a := ContentTag("a1", "config/app.yml")

	tests := []struct {
		name  string
		other Hash
		equal bool
	}{
		{"same commit and path", ContentTag("a1", "config/app.yml"), true},
		{"other commit", ContentTag("a2", "config/app.yml"), false},
		{"other path", ContentTag("a1", "config/db.yml"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.equal, a == tt.other)
		})
	}

	// The separator keeps commit and path boundaries distinct.
	require.NotEqual(t, ContentTag("ab", "c"), ContentTag("a", "bc"))
}

func TestContentTagDigest(t *testing.T) {
	want := blake3.Sum256([]byte("a1\x00config/app.yml"))
	require.Equal(t, Hash(want), ContentTag("a1", "config/app.yml"))
}

func TestHashRendering(t *testing.T) {
	h := ContentTag("a1", "config/app.yml")
	require.Len(t, h.String(), 64)
	require.Equal(t, `"`+h.String()+`"`, h.ETag())
}
