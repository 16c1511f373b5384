// Package sha256 provides the digest implementation behind cross-URL
// article deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. Content hashes are computed over
// the whitespace-normalized, lowercased article text prepared by the
// extraction layer, so identical prose under different URLs collides.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
