package filechunker

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ingestfs/internal/bufferpool"
	"github.com/prn-tf/ingestfs/internal/domain"
	"github.com/prn-tf/ingestfs/internal/hashing"
)

func newChunker(t *testing.T) *Chunker {
	t.Helper()
	pool := bufferpool.New(bufferpool.DefaultConfig(), zerolog.Nop())
	t.Cleanup(pool.Close)
	return New(pool, hashing.Default(), nil, zerolog.Nop())
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func cdcOpts() Options {
	return Options{Algorithm: domain.AlgorithmCDC, Min: 4096, Avg: 65536, Max: 262144}
}

func TestEmptyFile(t *testing.T) {
	c := newChunker(t)
	path := writeTempFile(t, nil)

	res, err := c.ChunkFile(context.Background(), path, cdcOpts())
	require.NoError(t, err)
	require.Equal(t, 0, res.ChunkCount)
	require.Equal(t, uint64(0), res.TotalSize)
	require.Equal(t, hashing.Default().HashBuffer(nil), res.FileDigest)
}

func TestTinyFileSingleChunk(t *testing.T) {
	c := newChunker(t)
	data := make([]byte, 17)
	rand.New(rand.NewSource(1)).Read(data)
	path := writeTempFile(t, data)

	res, err := c.ChunkFile(context.Background(), path, cdcOpts())
	require.NoError(t, err)
	require.Equal(t, 1, res.ChunkCount)
	require.Len(t, res.ChunkDigests, 1)
	require.Equal(t, uint64(17), res.TotalSize)
	require.Equal(t, hashing.Default().HashBuffer(data), res.FileDigest)
}

func TestSumOfChunkLengthsEqualsSize(t *testing.T) {
	c := newChunker(t)
	data := make([]byte, 3*1024*1024+777)
	rand.New(rand.NewSource(2)).Read(data)
	path := writeTempFile(t, data)

	var records []domain.ChunkRecord
	opts := cdcOpts()
	opts.ProgressCallback = func(r domain.ChunkRecord) {
		records = append(records, r)
	}

	res, err := c.ChunkFile(context.Background(), path, opts)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), res.TotalSize)
	require.Equal(t, res.ChunkCount, len(res.ChunkDigests))
	require.Equal(t, res.ChunkCount, len(records))

	var sum uint64
	for i, r := range records {
		require.Len(t, res.ChunkDigests[i], hashing.DigestSize)
		require.Equal(t, sum, r.Offset)
		sum += uint64(r.Length)
	}
	require.Equal(t, uint64(len(data)), sum)

	require.Equal(t, hashing.Default().HashBuffer(data), res.FileDigest)
}

func TestFixedModeProducesEqualSizedChunks(t *testing.T) {
	c := newChunker(t)
	data := make([]byte, 10*4096+100)
	rand.New(rand.NewSource(3)).Read(data)
	path := writeTempFile(t, data)

	res, err := c.ChunkFile(context.Background(), path, Options{Algorithm: domain.AlgorithmFixed, FixedSize: 4096})
	require.NoError(t, err)
	require.Equal(t, 11, res.ChunkCount)
	require.Equal(t, uint64(len(data)), res.TotalSize)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	c1 := newChunker(t)
	c2 := newChunker(t)

	data := make([]byte, 2*1024*1024)
	rand.New(rand.NewSource(5)).Read(data)
	path := writeTempFile(t, data)

	r1, err := c1.ChunkFile(context.Background(), path, cdcOpts())
	require.NoError(t, err)
	r2, err := c2.ChunkFile(context.Background(), path, cdcOpts())
	require.NoError(t, err)

	require.Equal(t, r1.ChunkDigests, r2.ChunkDigests)
	require.Equal(t, r1.FileDigest, r2.FileDigest)
	require.Equal(t, r1.SimilaritySignature, r2.SimilaritySignature)
}

func TestMissingFile(t *testing.T) {
	c := newChunker(t)
	_, err := c.ChunkFile(context.Background(), filepath.Join(t.TempDir(), "missing"), cdcOpts())
	require.Error(t, err)
	var invalid *domain.InvalidFileError
	require.ErrorAs(t, err, &invalid)
}

func TestDirectoryIsInvalid(t *testing.T) {
	c := newChunker(t)
	_, err := c.ChunkFile(context.Background(), t.TempDir(), cdcOpts())
	require.Error(t, err)
	var invalid *domain.InvalidFileError
	require.ErrorAs(t, err, &invalid)
}

func TestCancellationBeforeStartReturnsCancelled(t *testing.T) {
	c := newChunker(t)
	data := make([]byte, 1024*1024)
	path := writeTempFile(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ChunkFile(ctx, path, cdcOpts())
	require.ErrorIs(t, err, domain.ErrCancelled)
}

func TestSimilaritySignatureLength(t *testing.T) {
	c := newChunker(t)
	data := make([]byte, 1024*1024)
	rand.New(rand.NewSource(9)).Read(data)
	path := writeTempFile(t, data)

	res, err := c.ChunkFile(context.Background(), path, cdcOpts())
	require.NoError(t, err)
	require.Len(t, res.SimilaritySignature, DefaultSimilarityK)
}
