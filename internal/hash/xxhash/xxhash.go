// Package xxhash provides a fast non-cryptographic hasher for page fingerprints.
package xxhash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements crawler.Hasher using 64-bit xxHash.
type Hasher struct{}

// New returns an xxHash hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the digest as a 16-character hex string.
func (h *Hasher) Hash(data []byte) (string, error) {
	return format(xxhash.Sum64(data)), nil
}

// HashStrings digests parts with a separator byte between them so that
// ("ab", "c") and ("a", "bc") fingerprint differently.
func (h *Hasher) HashStrings(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return format(d.Sum64())
}

func format(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
