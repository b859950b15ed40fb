// Package sha256 provides the SHA-256 digest used for content addressing and
// archive checksums.
package sha256

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// DigestLen is the length of a hex-encoded digest.
const DigestLen = sha256.Size * 2

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. It never fails.
func (*Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the lowercase hex digest of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// ValidDigest reports whether s looks like a digest produced by Sum.
func ValidDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Fields builds a digest over a sequence of fields. Each field is written with
// an 8-byte big-endian length prefix, so ("ab", "c") and ("a", "bc") differ.
type Fields struct {
	h hash.Hash
}

// NewFields starts an empty field digest.
func NewFields() *Fields {
	return &Fields{h: sha256.New()}
}

// Add appends one length-prefixed field.
func (f *Fields) Add(data []byte) *Fields {
	f.Uint64(uint64(len(data)))
	f.h.Write(data)
	return f
}

// AddString appends s as one field.
func (f *Fields) AddString(s string) *Fields {
	return f.Add([]byte(s))
}

// Uint64 appends n as 8 big-endian bytes with no length prefix.
func (f *Fields) Uint64(n uint64) *Fields {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	f.h.Write(buf[:])
	return f
}

// Hex returns the lowercase hex digest of everything written so far.
func (f *Fields) Hex() string {
	return hex.EncodeToString(f.h.Sum(nil))
}
