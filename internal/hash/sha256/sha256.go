// Package sha256 computes content digests for stored pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ObjectKey derives a sharded blob key ("ab/cdef...") from a hex digest.
func ObjectKey(digest string) string {
	if len(digest) < 3 {
		return digest
	}
	return digest[:2] + "/" + digest[2:]
}
