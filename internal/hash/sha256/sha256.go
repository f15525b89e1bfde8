// Package sha256 digests raw search pages for archive object names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher producing full 64-character hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewShort returns a hasher that keeps the first n hex characters. Values
// outside 1..64 yield the full digest.
func NewShort(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		return digest[:h.length], nil
	}
	return digest, nil
}
