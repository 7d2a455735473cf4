// Package keyhash derives short, bounded, collision-resistant identifiers from
// arbitrary caller-supplied strings.
package keyhash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length in characters of every value returned by Sum.
const Size = 32

// Sum returns the first 128 bits of the SHA-256 of s, hex encoded.
func Sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:Size/2])
}
