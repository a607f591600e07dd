// Package scanner implements the concurrent directory scanner (spec.md
// §4.6, C6): a depth-first walk with hidden/pattern/size/symlink filters,
// cycle-safe symlink resolution, and three traversal modes (single
// threaded, parallel, streaming) that all agree on the set of files a walk
// produces.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ingestfs/internal/domain"
)

// Scanner walks filesystem trees according to a ScanOptions.
type Scanner struct {
	logger zerolog.Logger
}

// New constructs a Scanner.
func New(logger zerolog.Logger) *Scanner {
	return &Scanner{logger: logger.With().Str("component", "scanner").Logger()}
}

// candidate is a structurally-admitted entry (hidden/symlink/depth rules
// already applied) still awaiting pattern, size, and sparse evaluation.
type candidate struct {
	path       string
	name       string
	info       fs.FileInfo
	isSymlink  bool
	linkTarget string
}

// Walk performs the single-threaded, deterministic walk.
func (s *Scanner) Walk(ctx context.Context, root string, opts ScanOptions) (domain.ScanResult, error) {
	result := domain.ScanResult{Root: root, Started: time.Now(), Metadata: map[string]string{}}

	candidates, errs, cancelled := s.structuralWalk(ctx, root, opts)
	result.Errors = append(result.Errors, errs...)

	for _, c := range candidates {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if desc, ok := s.admit(c, opts); ok {
			result.Files = append(result.Files, desc)
		}
	}

	result.Ended = time.Now()
	if cancelled {
		return result, domain.ErrCancelled
	}
	return result, nil
}

// WalkStreaming behaves like Walk but invokes onBatch with the files found
// since the previous invocation every batchSize matches (spec.md §4.6:
// "emit incremental results every N files processed; final result
// summarizes"). onBatch receives a partial domain.ScanResult sharing Root
// but carrying only the delta Files.
func (s *Scanner) WalkStreaming(ctx context.Context, root string, opts ScanOptions, batchSize int, onBatch func(domain.ScanResult)) (domain.ScanResult, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	result := domain.ScanResult{Root: root, Started: time.Now(), Metadata: map[string]string{}}

	candidates, errs, cancelled := s.structuralWalk(ctx, root, opts)
	result.Errors = append(result.Errors, errs...)

	var pending []domain.FileDescriptor
	flush := func() {
		if len(pending) == 0 || onBatch == nil {
			return
		}
		onBatch(domain.ScanResult{Root: root, Files: pending})
		pending = nil
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		desc, ok := s.admit(c, opts)
		if !ok {
			continue
		}
		result.Files = append(result.Files, desc)
		pending = append(pending, desc)
		if len(pending) >= batchSize {
			flush()
		}
	}
	flush()

	result.Ended = time.Now()
	if cancelled {
		return result, domain.ErrCancelled
	}
	return result, nil
}

// admit applies the pattern, size, and sparse-detection rules that are
// cheap enough to defer past the structural walk.
func (s *Scanner) admit(c candidate, opts ScanOptions) (domain.FileDescriptor, bool) {
	if !passesFilters(c.path, c.name, c.info, opts) {
		return domain.FileDescriptor{}, false
	}

	desc := domain.FileDescriptor{
		Path:       c.path,
		Size:       uint64(c.info.Size()),
		Modified:   c.info.ModTime(),
		IsSymlink:  c.isSymlink,
		LinkTarget: c.linkTarget,
	}
	if opts.DetectSparse && !c.isSymlink {
		desc.IsSparse = detectSparse(c.path, c.info)
	}
	return desc, true
}

// structuralWalk performs the depth-first traversal, resolving hidden
// filtering, symlink strategy, cycle detection, and max-depth — the rules
// that determine which entries exist at all, independent of file-level
// pattern/size filters. It never mutates the filesystem and never aborts
// on a per-entry error.
func (s *Scanner) structuralWalk(ctx context.Context, root string, opts ScanOptions) ([]candidate, []domain.ScanEntryError, bool) {
	var (
		candidates []candidate
		errs       []domain.ScanEntryError
		cancelled  bool
		visited    = map[string]bool{}
	)
	s.walkDir(ctx, root, 0, opts, visited, &candidates, &errs, &cancelled)
	return candidates, errs, cancelled
}

func (s *Scanner) walkDir(ctx context.Context, dirPath string, depth int, opts ScanOptions, visited map[string]bool, candidates *[]candidate, errs *[]domain.ScanEntryError, cancelled *bool) {
	if ctx.Err() != nil {
		*cancelled = true
		return
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		*errs = append(*errs, classifyWalkError(dirPath, err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			*cancelled = true
			return
		}

		name := entry.Name()
		full := filepath.Join(dirPath, name)

		if !opts.IncludeHidden && isHidden(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			*errs = append(*errs, classifyWalkError(full, err))
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			s.walkSymlink(ctx, full, name, depth, opts, visited, candidates, errs, cancelled)
			continue
		}

		if info.IsDir() {
			if opts.MaxDepth <= 0 || depth+1 <= opts.MaxDepth {
				// a directory already reached through a followed symlink is
				// not walked a second time under its real path.
				if real, err := filepath.EvalSymlinks(full); err == nil {
					if visited[real] {
						continue
					}
					visited[real] = true
				}
				s.walkDir(ctx, full, depth+1, opts, visited, candidates, errs, cancelled)
			}
			continue
		}

		*candidates = append(*candidates, candidate{path: full, name: name, info: info})
	}
}

func (s *Scanner) walkSymlink(ctx context.Context, full, name string, depth int, opts ScanOptions, visited map[string]bool, candidates *[]candidate, errs *[]domain.ScanEntryError, cancelled *bool) {
	switch opts.SymlinkStrategy {
	case domain.SymlinkSkip:
		return

	case domain.SymlinkRecord:
		target, err := os.Readlink(full)
		if err != nil {
			*errs = append(*errs, classifyWalkError(full, err))
			return
		}
		info, err := os.Lstat(full)
		if err != nil {
			*errs = append(*errs, classifyWalkError(full, err))
			return
		}
		*candidates = append(*candidates, candidate{path: full, name: name, info: info, isSymlink: true, linkTarget: target})
		return

	case domain.SymlinkFollow:
		real, err := filepath.EvalSymlinks(full)
		if err != nil {
			*errs = append(*errs, classifyWalkError(full, err))
			return
		}
		if visited[real] {
			*errs = append(*errs, domain.ScanEntryError{
				Path:   full,
				Kind:   domain.ScanErrorCycle,
				Detail: "symlink target already visited: " + real,
			})
			return
		}
		visited[real] = true

		targetInfo, err := os.Stat(real)
		if err != nil {
			*errs = append(*errs, classifyWalkError(full, err))
			return
		}
		if targetInfo.IsDir() {
			if opts.MaxDepth <= 0 || depth+1 <= opts.MaxDepth {
				s.walkDir(ctx, full, depth+1, opts, visited, candidates, errs, cancelled)
			}
			return
		}
		*candidates = append(*candidates, candidate{path: full, name: name, info: targetInfo, isSymlink: true, linkTarget: real})
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func classifyWalkError(path string, err error) domain.ScanEntryError {
	switch {
	case errors.Is(err, os.ErrPermission):
		return domain.ScanEntryError{Path: path, Kind: domain.ScanErrorPermission, Detail: err.Error()}
	case errors.Is(err, os.ErrNotExist):
		return domain.ScanEntryError{Path: path, Kind: domain.ScanErrorNotFound, Detail: err.Error()}
	default:
		return domain.ScanEntryError{Path: path, Kind: domain.ScanErrorIO, Detail: err.Error()}
	}
}

func passesFilters(fullPath, name string, info fs.FileInfo, opts ScanOptions) bool {
	if opts.IncludePattern != "" && !matchPattern(opts.IncludePattern, fullPath, name) {
		return false
	}
	if opts.ExcludePattern != "" && matchPattern(opts.ExcludePattern, fullPath, name) {
		return false
	}
	size := uint64(info.Size())
	if opts.MinFileSize != nil && size < *opts.MinFileSize {
		return false
	}
	if opts.MaxFileSize != nil && size > *opts.MaxFileSize {
		return false
	}
	return true
}

func matchPattern(pattern, fullPath, name string) bool {
	if ok, _ := filepath.Match(pattern, name); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, fullPath); ok {
		return true
	}
	return false
}
