package scanner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/ingestfs/internal/domain"
)

// WalkParallel enumerates the tree once, sequentially and deterministically
// (structuralWalk), then partitions the resulting candidates into roughly
// equal batches across workers and applies the remaining filters
// concurrently. The set of files produced matches Walk; their order does
// not (spec.md §4.6).
//
// batchSize is computed as len(candidates)/workers, clamped to at least 1:
// a naive division produces 0 for a tree smaller than the worker count,
// which would silently drop every file into a zero-length batch.
func (s *Scanner) WalkParallel(ctx context.Context, root string, opts ScanOptions, workers int) (domain.ScanResult, error) {
	if workers <= 0 {
		workers = 1
	}

	result := domain.ScanResult{Root: root, Started: time.Now(), Metadata: map[string]string{}}

	candidates, errs, cancelled := s.structuralWalk(ctx, root, opts)
	result.Errors = append(result.Errors, errs...)

	batchSize := len(candidates) / workers
	if batchSize < 1 {
		batchSize = 1
	}
	var batches [][]candidate
	for i := 0; i < len(candidates); i += batchSize {
		end := i + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[i:end])
	}

	filesPerBatch := make([][]domain.FileDescriptor, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			var out []domain.FileDescriptor
			for _, c := range batch {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if desc, ok := s.admit(c, opts); ok {
					out = append(out, desc)
				}
			}
			filesPerBatch[i] = out
			return nil
		})
	}

	waitErr := g.Wait()
	for _, files := range filesPerBatch {
		result.Files = append(result.Files, files...)
	}

	result.Ended = time.Now()
	if cancelled || waitErr != nil {
		return result, domain.ErrCancelled
	}
	return result, nil
}
