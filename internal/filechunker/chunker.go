// Package filechunker implements the asynchronous file chunker (spec.md
// §4.5, C5): it streams one file through a leased direct buffer, drives
// either the FastCDC chunker or a fixed cut length, and emits an ordered
// sequence of chunk records plus a whole-file digest and MinHash
// similarity signature.
//
// Concurrency contract: one file is chunked on a single cooperative task
// (this function call); callers drive parallelism across files themselves,
// typically via internal/scanner or internal/batch. Each read is routed
// through the IO pool of a threadpool.Manager when one is given; the
// chunk-scan and hash steps always run inline on the calling goroutine.
// Pass a nil Manager to run reads inline as well (used by tests and by
// callers that already bound concurrency at a higher layer).
package filechunker

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/prn-tf/ingestfs/internal/bufferpool"
	"github.com/prn-tf/ingestfs/internal/cdc"
	"github.com/prn-tf/ingestfs/internal/domain"
	"github.com/prn-tf/ingestfs/internal/hashing"
	"github.com/prn-tf/ingestfs/internal/threadpool"
)

// ReadBufferSize is the fixed read-buffer size spec.md §4.5 names.
const ReadBufferSize = 1 << 20 // 1 MiB

// DefaultSimilarityK is the number of MinHash permutations computed for a
// file's similarity signature (Glossary: MinHash signature).
const DefaultSimilarityK = 16

// Options configures one ChunkFile call (spec.md §4.5).
type Options struct {
	Algorithm domain.ChunkAlgorithm

	// FixedSize is used when Algorithm == AlgorithmFixed.
	FixedSize int

	// Min, Avg, Max configure the FastCDC chunker when Algorithm == AlgorithmCDC.
	Min, Avg, Max int

	// SimilarityK overrides DefaultSimilarityK when > 0.
	SimilarityK int

	// ProgressCallback, if set, is invoked synchronously after every full
	// chunk is produced, in file order.
	ProgressCallback func(domain.ChunkRecord)

	// StatusCallback, if set, receives coarse lifecycle notifications
	// ("opened", "chunking", "finalizing").
	StatusCallback func(status string)
}

// Chunker drives the async file chunking algorithm against a shared buffer
// pool, hasher, and (optionally) thread-pool manager.
type Chunker struct {
	buffers *bufferpool.Pool
	hasher  hashing.Hasher
	pools   *threadpool.Manager
	logger  zerolog.Logger
}

// New constructs a Chunker. pools may be nil, in which case reads run
// inline on the calling goroutine; chunk-scanning runs inline either way.
func New(buffers *bufferpool.Pool, hasher hashing.Hasher, pools *threadpool.Manager, logger zerolog.Logger) *Chunker {
	return &Chunker{
		buffers: buffers,
		hasher:  hasher,
		pools:   pools,
		logger:  logger.With().Str("component", "filechunker").Logger(),
	}
}

// boundary abstracts the two cut strategies (CDC vs fixed) behind the
// "full chunk" rule spec.md §4.5 defines once for both.
type boundary interface {
	NextChunk(data []byte, offset, available int) int
	Max() int
}

type fixedBoundary struct{ size int }

func (f fixedBoundary) NextChunk(data []byte, offset, available int) int {
	if available < f.size {
		return available
	}
	return f.size
}
func (f fixedBoundary) Max() int { return f.size }

type cdcBoundary struct{ c *cdc.Chunker }

func (b cdcBoundary) NextChunk(data []byte, offset, available int) int {
	return b.c.NextChunk(data, offset, available)
}
func (b cdcBoundary) Max() int { return b.c.Max() }

func (c *Chunker) buildBoundary(opts Options) (boundary, error) {
	switch opts.Algorithm {
	case domain.AlgorithmFixed:
		if opts.FixedSize <= 0 {
			return nil, fmt.Errorf("filechunker: fixed size must be positive: %w", domain.ErrInvalidConfig)
		}
		return fixedBoundary{size: opts.FixedSize}, nil
	default:
		chunker, err := cdc.New(opts.Min, opts.Avg, opts.Max)
		if err != nil {
			return nil, err
		}
		return cdcBoundary{c: chunker}, nil
	}
}

// ChunkFile chunks one file end to end. Partial results are never
// returned on error — the whole file's result is either complete or
// failed (spec.md §4.5).
func (c *Chunker) ChunkFile(ctx context.Context, path string, opts Options) (domain.FileChunkingResult, error) {
	boundaryFinder, err := c.buildBoundary(opts)
	if err != nil {
		return domain.FileChunkingResult{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.FileChunkingResult{}, &domain.InvalidFileError{Path: path, Reason: "does not exist"}
		}
		return domain.FileChunkingResult{}, domain.NewIOError(path, err)
	}
	if !info.Mode().IsRegular() {
		return domain.FileChunkingResult{}, &domain.InvalidFileError{Path: path, Reason: "not a regular file"}
	}

	file, err := os.Open(path)
	if err != nil {
		return domain.FileChunkingResult{}, domain.NewIOError(path, err)
	}
	defer file.Close()

	buf, err := c.buffers.Acquire(ReadBufferSize)
	if err != nil {
		return domain.FileChunkingResult{}, err
	}
	defer buf.Release() // scoped acquisition: released on every exit path

	c.notify(opts, "opened")

	fileSize := uint64(info.Size())
	incHasher := c.hasher.New()

	var (
		data     = buf.Bytes()
		filled   int
		consumed int
		readPos  uint64
		result   = domain.FileChunkingResult{
			File: domain.FileDescriptor{
				Path:     path,
				Size:     fileSize,
				Modified: info.ModTime(),
			},
		}
	)

	c.notify(opts, "chunking")

	for {
		if err := ctx.Err(); err != nil {
			return domain.FileChunkingResult{}, domain.ErrCancelled
		}

		atEOF := readPos == fileSize
		for {
			if err := ctx.Err(); err != nil {
				return domain.FileChunkingResult{}, domain.ErrCancelled
			}

			available := filled - consumed
			if available <= 0 {
				break
			}

			cut := boundaryFinder.NextChunk(data[:filled], consumed, available)
			full := cut < available || (cut == available && (cut == boundaryFinder.Max() || atEOF))
			if !full {
				break
			}

			chunkBytes := make([]byte, cut)
			copy(chunkBytes, data[consumed:consumed+cut])

			digest := c.hasher.HashBuffer(chunkBytes)
			if _, err := incHasher.Write(chunkBytes); err != nil {
				return domain.FileChunkingResult{}, domain.NewIOError(path, err)
			}

			record := domain.ChunkRecord{
				Offset: result.TotalSize,
				Length: uint32(cut),
				Digest: digest,
			}

			result.ChunkCount++
			result.TotalSize += uint64(cut)
			result.ChunkDigests = append(result.ChunkDigests, digest)
			consumed += cut

			if opts.ProgressCallback != nil {
				opts.ProgressCallback(record)
			}
		}

		if readPos == fileSize && consumed == filled {
			break
		}

		if consumed > 0 {
			remaining := filled - consumed
			copy(data[:remaining], data[consumed:filled])
			filled = remaining
			consumed = 0
		}

		if filled == cap(data) {
			return domain.FileChunkingResult{}, fmt.Errorf(
				"filechunker: chunk boundary not found within a full %d-byte buffer for %q", cap(data), path)
		}

		n, err := c.readInto(ctx, file, data[filled:cap(data)])
		if err != nil && err != io.EOF {
			return domain.FileChunkingResult{}, domain.NewIOError(path, err)
		}
		filled += n
		readPos += uint64(n)

		if n == 0 && readPos != fileSize {
			// short read at an unexpected position: treat remaining bytes
			// as EOF to avoid spinning forever on a truncated file.
			readPos = fileSize
		}
	}

	c.notify(opts, "finalizing")

	result.FileDigest = incHasher.Digest()
	k := opts.SimilarityK
	if k <= 0 {
		k = DefaultSimilarityK
	}
	result.SimilaritySignature = similaritySignature(result.ChunkDigests, k)

	return result, nil
}

// readInto performs one read, optionally routed through the IO pool so the
// calling goroutine isn't the one blocked on the syscall.
func (c *Chunker) readInto(ctx context.Context, file *os.File, dst []byte) (int, error) {
	if c.pools == nil {
		return file.Read(dst)
	}

	pool, err := c.pools.Pool(threadpool.TypeIO)
	if err != nil {
		return file.Read(dst)
	}

	type readResult struct {
		n   int
		err error
	}
	future, err := threadpool.Submit(pool, func(context.Context) (readResult, error) {
		n, rerr := file.Read(dst)
		return readResult{n, rerr}, nil
	})
	if err != nil {
		return 0, err
	}

	r, err := future.Get(ctx)
	if err != nil {
		return 0, err
	}
	return r.n, r.err
}

func (c *Chunker) notify(opts Options, status string) {
	if opts.StatusCallback != nil {
		opts.StatusCallback(status)
	}
}

// minhashMasterSeed is the fixed root every similarity signature's K
// permutation seeds are expanded from via HKDF (hashing.DerivePermutationSeeds).
// Fixed rather than random so that two chunkers in two processes derive the
// same K hash functions and their signatures stay comparable.
var minhashMasterSeed = []byte("ingestfs-filechunker-minhash-v1")

// similaritySignature computes the K-permutation MinHash signature over an
// ordered set of chunk digests (Glossary: MinHash signature), using xxhash
// seeded per permutation with HKDF-expanded seeds rather than K independent
// hash families or small sequential integers.
func similaritySignature(chunkDigests [][]byte, k int) []uint64 {
	seeds := hashing.DerivePermutationSeeds(minhashMasterSeed, k)

	sig := make([]uint64, k)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, d := range chunkDigests {
		for i := 0; i < k; i++ {
			h := xxhash.NewWithSeed(seeds[i])
			_, _ = h.Write(d)
			if v := h.Sum64(); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}
