package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// minhashSalt is the fixed HKDF salt separating MinHash permutation
// seeds from any other derived-key use of this package.
var minhashSalt = []byte("ingestfs-minhash-permutation-seeds")

// DerivePermutationSeeds expands one master seed into k independent uint64
// permutation seeds via HKDF-SHA256, the same derivation primitive the
// teacher's crypto package uses for key expansion (internal/pkg/crypto,
// golang.org/x/crypto/hkdf). Used so the MinHash signature's K hash
// functions are not just sequential small integers.
func DerivePermutationSeeds(masterSeed []byte, k int) []uint64 {
	seeds := make([]uint64, k)
	reader := hkdf.New(sha256.New, masterSeed, minhashSalt, nil)

	buf := make([]byte, 8*k)
	if _, err := io.ReadFull(reader, buf); err != nil {
		// hkdf only fails to fill a reader when the requested output
		// exceeds its max expansion length (255 * hash size); k is always
		// small (tens, not thousands) so this is unreachable in practice.
		panic("hashing: hkdf expansion failed: " + err.Error())
	}
	for i := 0; i < k; i++ {
		seeds[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return seeds
}
