// Package hashing stands in for the out-of-scope hash service (spec.md §6):
// a byte-stream hasher producing identical digests for identical content
// regardless of how callers chunk their Write calls.
//
// The real service is Blake3-like and lives outside this core; the default
// implementation here is blake2b-256, the nearest incremental tree hash the
// teacher's own dependency surface (golang.org/x/crypto, used for HKDF in
// internal/pkg/crypto/sse.go) actually provides.
package hashing

import (
	"hash"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the digest length in bytes (spec.md §3: digest: bytes[32]).
const DigestSize = 32

// Hasher is the external hash-service contract (spec.md §6): one-shot
// buffer hashing plus an incremental interface.
type Hasher interface {
	HashBuffer(data []byte) []byte
	New() IncrementalHasher
}

// IncrementalHasher accumulates bytes across multiple Write calls and
// produces the same digest as hashing the concatenation in one call.
type IncrementalHasher interface {
	Write(p []byte) (int, error)
	Digest() []byte
}

// Default returns the blake2b-256 backed Hasher.
func Default() Hasher {
	return blake2bHasher{}
}

type blake2bHasher struct{}

func (blake2bHasher) HashBuffer(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

func (blake2bHasher) New() IncrementalHasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for a bad key length, and we pass nil.
		panic("hashing: blake2b.New256 unexpectedly failed: " + err.Error())
	}
	return &incremental{h: h}
}

type incremental struct {
	h hash.Hash
}

func (i *incremental) Write(p []byte) (int, error) { return i.h.Write(p) }

func (i *incremental) Digest() []byte { return i.h.Sum(nil) }
