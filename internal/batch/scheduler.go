// Package batch implements the batch processor and scheduler (spec.md
// §4.8, C8): a priority queue of batch operations ordered by (priority
// desc, submission time asc), dispatched to a caller-supplied fan-out
// function under a semaphore bound on concurrent batches, with pluggable
// sizing strategies.
package batch

import (
	"container/heap"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"

	"github.com/prn-tf/ingestfs/internal/domain"
)

// Operation is one unit of scheduled work: a set of files to chunk under
// shared options, at a priority, with an optional deadline.
type Operation struct {
	ID       domain.OperationID
	Files    []string
	Priority int
	Deadline *time.Time
	Strategy domain.BatchStrategy

	SubmittedAt time.Time
}

// DispatchFunc fans an Operation out to the file chunker (C5). Scheduler
// is deliberately ignorant of C5's concrete type so it can be tested and
// reused without linking the chunker.
type DispatchFunc func(ctx context.Context, op *Operation) error

type operationQueue []*Operation

func (q operationQueue) Len() int { return len(q) }

func (q operationQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority // desc
	}
	return q[i].SubmittedAt.Before(q[j].SubmittedAt) // asc
}

func (q operationQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *operationQueue) Push(x any) { *q = append(*q, x.(*Operation)) }

func (q *operationQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler dispatches queued operations with bounded concurrency.
type Scheduler struct {
	cfg      domain.BatchConfiguration
	dispatch DispatchFunc
	logger   zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	pq     operationQueue
	closed bool

	sem       *semaphore.Weighted
	pressureK int32 // mu protects this too, read via accessor for clarity

	wg sync.WaitGroup
}

// NewScheduler constructs a Scheduler. dispatch is invoked once per popped
// Operation, on its own goroutine, bounded by cfg.MaxConcurrentBatches
// simultaneous dispatches.
func NewScheduler(cfg domain.BatchConfiguration, dispatch DispatchFunc, logger zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = domain.DefaultBatchConfiguration().MaxConcurrentBatches
	}
	if cfg.BaseBatchSize <= 0 {
		cfg.BaseBatchSize = domain.DefaultBatchConfiguration().BaseBatchSize
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = domain.DefaultBatchConfiguration().MinBatchSize
	}

	s := &Scheduler{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger.With().Str("component", "batch-scheduler").Logger(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit enqueues an operation. SubmittedAt is stamped here, not by the
// caller, so the priority ordering's tie-break is schedule-local.
func (s *Scheduler) Submit(op *Operation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	if op.ID == "" {
		op.ID = domain.NewOperationID()
	}
	op.SubmittedAt = time.Now()
	heap.Push(&s.pq, op)
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// SetPressureLevel is called by the adaptive controller (C9) to drive the
// RESOURCE_AWARE sizing formula (spec.md §4.8): k=0 for p<0.6, 1 for
// [0.6, 0.8], 2 for p>0.8.
func (s *Scheduler) SetPressureLevel(k int) {
	s.mu.Lock()
	s.pressureK = int32(k)
	s.mu.Unlock()
}

// BatchSizeFor returns the recommended batch size for a strategy given the
// scheduler's current configuration and (for RESOURCE_AWARE) memory
// pressure level.
func (s *Scheduler) BatchSizeFor(strategy domain.BatchStrategy) int {
	s.mu.Lock()
	k := s.pressureK
	s.mu.Unlock()
	return computeBatchSize(strategy, s.cfg, int(k))
}

// Start runs the dispatch loop until ctx is cancelled or Shutdown is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		op := s.next()
		if op == nil {
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		s.wg.Add(1)
		go func(op *Operation) {
			defer s.wg.Done()
			defer s.sem.Release(1)

			opCtx := ctx
			if op.Deadline != nil {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithDeadline(ctx, *op.Deadline)
				defer cancel()
			}
			if err := s.dispatch(opCtx, op); err != nil {
				s.logger.Error().Err(err).Str("operation", string(op.ID)).Msg("batch dispatch failed")
			}
		}(op)
	}
}

// next blocks until an operation is available, the scheduler is closed,
// or ctx is done — whichever comes first — without ever holding the lock
// while blocked on anything but the condition variable itself.
func (s *Scheduler) next() *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pq) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.pq) == 0 {
		return nil
	}
	return heap.Pop(&s.pq).(*Operation)
}

// Shutdown stops accepting dispatch and waits for in-flight operations to
// finish, up to deadline. It never holds s.mu while waiting (spec.md §5).
func (s *Scheduler) Shutdown(deadline time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("batch: shutdown did not complete within %s", deadline)
	}
}

// Pending returns the number of operations currently queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pq)
}

// computeBatchSize implements the six selectable strategies (spec.md
// §4.8), including the resource-aware formula max(floor(B*2^-k), min_batch).
func computeBatchSize(strategy domain.BatchStrategy, cfg domain.BatchConfiguration, pressureK int) int {
	switch strategy {
	case domain.StrategySizeBased:
		return cfg.BaseBatchSize
	case domain.StrategyLocationBased:
		return cfg.BaseBatchSize
	case domain.StrategyPriorityBased:
		return clampMin(cfg.BaseBatchSize/2, cfg.MinBatchSize)
	case domain.StrategyResourceAware:
		return resourceAwareSize(cfg.BaseBatchSize, pressureK, cfg.MinBatchSize)
	case domain.StrategyNVMeOptimized:
		return cfg.BaseBatchSize * 2
	case domain.StrategyHDDOptimized:
		return clampMin(cfg.BaseBatchSize/2, cfg.MinBatchSize)
	default:
		return cfg.BaseBatchSize
	}
}

func resourceAwareSize(base, k, minBatch int) int {
	size := base
	for i := 0; i < k; i++ {
		size /= 2
	}
	return clampMin(size, minBatch)
}

func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// PressureLevel maps an observed memory-pressure ratio to the resource-
// aware k exponent (spec.md §4.8).
func PressureLevel(utilization float64) int {
	switch {
	case utilization > 0.8:
		return 2
	case utilization >= 0.6:
		return 1
	default:
		return 0
	}
}

// LocalityKey derives a 32-byte locality key from a file's parent
// directory, for the LOCATION_BASED strategy to group files by I/O
// locality (SPEC_FULL §5).
func LocalityKey(path string) [32]byte {
	return blake2b.Sum256([]byte(filepath.Dir(path)))
}

// GroupByLocality partitions paths by LocalityKey, preserving the
// relative order paths were given in within each group.
func GroupByLocality(paths []string) map[[32]byte][]string {
	groups := make(map[[32]byte][]string)
	for _, p := range paths {
		key := LocalityKey(p)
		groups[key] = append(groups[key], p)
	}
	return groups
}
