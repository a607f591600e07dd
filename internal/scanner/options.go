package scanner

import "github.com/prn-tf/ingestfs/internal/domain"

// ScanOptions configures one directory walk (spec.md §4.6).
type ScanOptions struct {
	// MaxDepth bounds recursion below the root. 0 means unlimited.
	MaxDepth int

	// IncludePattern and ExcludePattern are filepath.Match globs tested
	// against both the full path and the base name; a directory is never
	// pattern-filtered, only the files beneath it.
	IncludePattern string
	ExcludePattern string

	// MinFileSize and MaxFileSize bound file size in bytes; nil means
	// unbounded on that side.
	MinFileSize *uint64
	MaxFileSize *uint64

	SymlinkStrategy domain.SymlinkStrategy

	IncludeHidden bool
	DetectSparse  bool
}

// DefaultScanOptions returns a conservative walk: hidden entries and
// symlinks are skipped, depth is unlimited.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		SymlinkStrategy: domain.SymlinkSkip,
	}
}
