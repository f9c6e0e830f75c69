package configserver

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a BLAKE3-256 digest.
type Hash [32]byte

// String returns the digest in lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ETag renders the digest as a strong HTTP entity tag.
func (h Hash) ETag() string {
	return `"` + h.String() + `"`
}

// ContentTag identifies the bytes of one file of a snapshot. Snapshots never
// change once materialized, so the commit and the path inside it are enough.
func ContentTag(commitID, path string) Hash {
	h := blake3.New()
	_, _ = h.Write([]byte(commitID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))

	var sum Hash
	h.Sum(sum[:0])
	return sum
}
