// Package cdc implements the FastCDC content-defined chunking algorithm
// (spec.md §4.2): a Gear-hash rolling fingerprint over a byte window with a
// strict mask before the average size and a loose mask after, to tighten
// the chunk-size distribution around the configured average.
package cdc

import (
	"fmt"
	"math/bits"

	"github.com/prn-tf/ingestfs/internal/domain"
	"github.com/prn-tf/ingestfs/internal/gearhash"
)

// Chunker finds FastCDC chunk boundaries against a configured (min, avg,
// max) triple. A Chunker is immutable after construction and safe for
// concurrent use — NextChunk takes no lock because it carries no mutable
// state, only a config and the gear table.
type Chunker struct {
	min, avg, max int
	mask1, mask2  uint64
	table         gearhash.Table
}

// New constructs a Chunker. Fails with domain.ErrInvalidConfig when
// 0 < min < avg < max does not hold.
func New(min, avg, max int) (*Chunker, error) {
	return NewWithTable(min, avg, max, gearhash.Default())
}

// NewWithTable is like New but lets the caller supply a gear table, mainly
// for tests that need a table seeded differently than the default.
func NewWithTable(min, avg, max int, table gearhash.Table) (*Chunker, error) {
	if !(min > 0 && min < avg && avg < max) {
		return nil, fmt.Errorf("cdc: min=%d avg=%d max=%d: %w", min, avg, max, domain.ErrInvalidConfig)
	}

	avgBits := bits.Len(uint(avg)) - 1 // floor(log2(avg))
	if avgBits < 2 {
		return nil, fmt.Errorf("cdc: avg=%d too small to derive masks: %w", avg, domain.ErrInvalidConfig)
	}

	mask1 := uint64(1)<<(avgBits+1) - 1 // strict mask, used before avg
	mask2 := uint64(1)<<(avgBits-1) - 1 // loose mask, used after avg

	return &Chunker{
		min: min, avg: avg, max: max,
		mask1: mask1, mask2: mask2,
		table: table,
	}, nil
}

// Min, Avg, Max expose the configured chunk-size bounds.
func (c *Chunker) Min() int { return c.min }
func (c *Chunker) Avg() int { return c.avg }
func (c *Chunker) Max() int { return c.max }

// NextChunk returns the length of the next chunk starting at data[offset],
// given that `length` bytes are available starting there (spec.md §4.2).
//
// The caller distinguishes a "forced cut at end of buffer" from a true
// boundary by comparing the returned length against `length` and whether
// end-of-file has been reached — NextChunk itself never needs to know.
func (c *Chunker) NextChunk(data []byte, offset, length int) int {
	if length <= c.min {
		return length
	}

	mid := offset + c.avg
	if v := offset + length; v < mid {
		mid = v
	}
	if v := offset + c.max; v < mid {
		mid = v
	}

	limit := offset + c.max
	if v := offset + length; v < limit {
		limit = v
	}

	var fp uint64
	p := offset + c.min
	for ; p < mid; p++ {
		fp = (fp << 1) + c.table[data[p]]
		if fp&c.mask1 == 0 {
			return p - offset + 1
		}
	}
	for ; p < limit; p++ {
		fp = (fp << 1) + c.table[data[p]]
		if fp&c.mask2 == 0 {
			return p - offset + 1
		}
	}

	return limit - offset
}
