package fetchcache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes.
const HashSize = 32

// Hash is a BLAKE3 digest. Durable backends use it to shorten over-long
// file names and to verify stored bodies.
type Hash [HashSize]byte

// HashBytes digests data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString digests a content body.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

// String returns the full hex digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 16 hex characters, enough to keep
// truncated file names distinct.
func (h Hash) ShortString() string {
	return h.String()[:16]
}

// ParseHash parses a digest produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(HashSize) {
		return h, fmt.Errorf("digest %q: want %d hex characters", s, hex.EncodedLen(HashSize))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("digest %q: %w", s, err)
	}
	return h, nil
}
