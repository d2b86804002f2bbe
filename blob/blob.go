// Package blob implements the encrypted, content-addressed chunk layer.
//
// A blob is an immutable ciphertext chunk addressed by the SHA-384 hex digest
// of its ciphertext. Plaintext capacity is bounded by MaxPlaintextSize; only
// the final blob of a stream may hold less than a full chunk.
package blob

import (
	"crypto/sha512"
	"encoding/hex"
)

const (
	// MaxBlobSize is the maximum ciphertext size of a single blob (2 MiB).
	MaxBlobSize = 2 << 20

	// MaxPlaintextSize is the chunk capacity: the maximum plaintext bytes a
	// single blob can carry. One byte below MaxBlobSize so that a full chunk,
	// after PKCS#7 padding, encrypts to exactly MaxBlobSize bytes.
	MaxPlaintextSize = MaxBlobSize - 1

	// HashHexLen is the length of a hex-encoded blob hash (SHA-384).
	HashHexLen = sha512.Size384 * 2
)

// Hash returns the SHA-384 hex digest that addresses the given ciphertext.
func Hash(data []byte) string {
	sum := sha512.Sum384(data)
	return hex.EncodeToString(sum[:])
}

// IsValidHash reports whether s is a well-formed lowercase hex blob hash.
func IsValidHash(s string) bool {
	if len(s) != HashHexLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Blob is an immutable encrypted chunk together with its content address.
// All mutable state (presence on disk, retention) lives in the Store index,
// never in the Blob itself.
type Blob struct {
	Hash       string
	Ciphertext []byte
}

// New builds a Blob from ciphertext, computing its content address.
func New(ciphertext []byte) *Blob {
	return &Blob{Hash: Hash(ciphertext), Ciphertext: ciphertext}
}

// Verify checks that the ciphertext matches the claimed hash.
func (b *Blob) Verify() error {
	if Hash(b.Ciphertext) != b.Hash {
		return ErrHashMismatch
	}
	return nil
}

// Len returns the ciphertext length in bytes.
func (b *Blob) Len() int { return len(b.Ciphertext) }
