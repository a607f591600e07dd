package domain

import (
	"time"

	"github.com/google/uuid"
)

// OperationID identifies one scan, one batch, or one chunking operation so
// that log lines, errors, and cancellation requests can all be correlated.
type OperationID string

// NewOperationID returns a fresh random operation id.
func NewOperationID() OperationID {
	return OperationID(uuid.NewString())
}

// ChunkRecord is one content-defined chunk of a file (spec.md §3).
type ChunkRecord struct {
	Offset       uint64      `json:"offset"`
	Length       uint32      `json:"length"`
	Digest       []byte      `json:"digest"` // 32 bytes
	OriginFileID OperationID `json:"origin_file_id"`
}

// FileDescriptor is the immutable metadata produced by the scanner for one
// filesystem entry.
type FileDescriptor struct {
	Path       string    `json:"path"`
	Size       uint64    `json:"size"`
	Modified   time.Time `json:"modified"`
	IsSymlink  bool      `json:"is_symlink"`
	IsSparse   bool      `json:"is_sparse"`
	LinkTarget string    `json:"link_target,omitempty"`
}

// FileChunkingResult is the complete output of chunking one file (spec.md §3).
// Invariants: sum(chunk.Length) == TotalSize; FileDigest is the hasher's
// incremental digest over the full content regardless of how reads were
// chunked.
type FileChunkingResult struct {
	File                FileDescriptor
	ChunkCount          int
	TotalSize           uint64
	FileDigest          []byte
	ChunkDigests        [][]byte
	SimilaritySignature []uint64
}

// ScanErrorKind classifies a per-entry scan failure (spec.md §7).
type ScanErrorKind string

const (
	ScanErrorPermission ScanErrorKind = "permission_denied"
	ScanErrorNotFound   ScanErrorKind = "not_found"
	ScanErrorIO         ScanErrorKind = "io_error"
	ScanErrorCycle      ScanErrorKind = "symlink_cycle"
)

// ScanEntryError records one walk-entry failure without aborting the scan.
type ScanEntryError struct {
	Path   string
	Kind   ScanErrorKind
	Detail string
}

// ScanResult is the output of one directory walk (spec.md §3). Files appear
// in arbitrary order; errors never abort the scan.
type ScanResult struct {
	Root     string
	Files    []FileDescriptor
	Errors   []ScanEntryError
	Started  time.Time
	Ended    time.Time
	Metadata map[string]string
}

// SymlinkStrategy controls how the scanner handles symbolic links.
type SymlinkStrategy int

const (
	// SymlinkFollow resolves and descends into the link target.
	SymlinkFollow SymlinkStrategy = iota
	// SymlinkRecord emits a descriptor for the link without recursing.
	SymlinkRecord
	// SymlinkSkip ignores symlinks entirely.
	SymlinkSkip
)

// ChunkAlgorithm selects how the file chunker cuts a stream (spec.md §4.5).
type ChunkAlgorithm int

const (
	// AlgorithmCDC uses the FastCDC content-defined chunker.
	AlgorithmCDC ChunkAlgorithm = iota
	// AlgorithmFixed cuts at a fixed length regardless of content.
	AlgorithmFixed
)

// PoolConfiguration is the value object the core reads on startup for the
// buffer pool and thread-pool manager (spec.md §6).
type PoolConfiguration struct {
	DefaultBufferSize int `mapstructure:"default_buffer_size"`
	MaxBuffers        int `mapstructure:"max_buffers"`
	MinBufferSize     int `mapstructure:"min_buffer_size"`
	MaxBufferSize     int `mapstructure:"max_buffer_size"`

	IOPoolSize         int `mapstructure:"io_pool_size"`
	CPUPoolSize        int `mapstructure:"cpu_pool_size"`
	CompletionPoolSize int `mapstructure:"completion_pool_size"`
	BatchPoolSize      int `mapstructure:"batch_pool_size"`
	MgmtPoolSize       int `mapstructure:"mgmt_pool_size"`
}

// DefaultPoolConfiguration returns the bounds spec.md §4.3 names for the
// default pool: 1 KiB–1 MiB buffers, pre-allocating up to 4.
func DefaultPoolConfiguration() PoolConfiguration {
	return PoolConfiguration{
		DefaultBufferSize: 64 * 1024,
		MaxBuffers:        64,
		MinBufferSize:     1024,
		MaxBufferSize:     1024 * 1024,

		IOPoolSize:         8,
		CPUPoolSize:        8,
		CompletionPoolSize: 4,
		BatchPoolSize:      4,
		MgmtPoolSize:       2,
	}
}

// BatchStrategy selects a batch-sizing/dispatch policy for C8 (spec.md §4.8).
type BatchStrategy int

const (
	StrategySizeBased BatchStrategy = iota
	StrategyLocationBased
	StrategyPriorityBased
	StrategyResourceAware
	StrategyNVMeOptimized
	StrategyHDDOptimized
)

// BatchConfiguration is the value object the core reads on startup for the
// batch processor/scheduler (spec.md §6).
type BatchConfiguration struct {
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	BaseBatchSize        int           `mapstructure:"base_batch_size"`
	MinBatchSize         int           `mapstructure:"min_batch_size"`
	DefaultStrategy      BatchStrategy `mapstructure:"default_strategy"`
}

// DefaultBatchConfiguration returns sensible defaults.
func DefaultBatchConfiguration() BatchConfiguration {
	return BatchConfiguration{
		MaxConcurrentBatches: 4,
		BaseBatchSize:        32,
		MinBatchSize:         1,
		DefaultStrategy:       StrategySizeBased,
	}
}
