package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ingestfs/internal/domain"
)

func TestDispatchOrderRespectsPriorityThenSubmission(t *testing.T) {
	var mu sync.Mutex
	var order []string

	dispatch := func(ctx context.Context, op *Operation) error {
		mu.Lock()
		order = append(order, string(op.ID))
		mu.Unlock()
		return nil
	}

	cfg := domain.DefaultBatchConfiguration()
	cfg.MaxConcurrentBatches = 1 // force strictly sequential dispatch
	s := NewScheduler(cfg, dispatch, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// both operations are queued before the dispatch loop starts, so the
	// queue order (not arrival at an idle loop) decides which runs first.
	low := &Operation{ID: "low", Priority: 1}
	high := &Operation{ID: "high", Priority: 10}
	require.NoError(t, s.Submit(low))
	time.Sleep(5 * time.Millisecond) // ensure distinct submission times
	require.NoError(t, s.Submit(high))
	s.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order)
}

func TestSameTierDispatchesInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	dispatch := func(ctx context.Context, op *Operation) error {
		mu.Lock()
		order = append(order, string(op.ID))
		mu.Unlock()
		return nil
	}

	cfg := domain.DefaultBatchConfiguration()
	cfg.MaxConcurrentBatches = 1
	s := NewScheduler(cfg, dispatch, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	first := &Operation{ID: "first", Priority: 5}
	second := &Operation{ID: "second", Priority: 5}
	require.NoError(t, s.Submit(first))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Submit(second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	s := NewScheduler(domain.DefaultBatchConfiguration(), func(ctx context.Context, op *Operation) error { return nil }, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	require.NoError(t, s.Shutdown(time.Second))

	err := s.Submit(&Operation{ID: "late"})
	require.ErrorIs(t, err, domain.ErrClosed)
}

func TestResourceAwareBatchSizeFormula(t *testing.T) {
	cfg := domain.BatchConfiguration{BaseBatchSize: 32, MinBatchSize: 2, MaxConcurrentBatches: 1}
	s := NewScheduler(cfg, func(ctx context.Context, op *Operation) error { return nil }, zerolog.Nop())

	s.SetPressureLevel(PressureLevel(0.5))
	require.Equal(t, 32, s.BatchSizeFor(domain.StrategyResourceAware))

	s.SetPressureLevel(PressureLevel(0.65))
	require.Equal(t, 16, s.BatchSizeFor(domain.StrategyResourceAware))

	s.SetPressureLevel(PressureLevel(0.95))
	require.Equal(t, 8, s.BatchSizeFor(domain.StrategyResourceAware))
}

func TestResourceAwareBatchSizeClampsToMinimum(t *testing.T) {
	cfg := domain.BatchConfiguration{BaseBatchSize: 4, MinBatchSize: 3, MaxConcurrentBatches: 1}
	s := NewScheduler(cfg, func(ctx context.Context, op *Operation) error { return nil }, zerolog.Nop())
	s.SetPressureLevel(2)
	require.Equal(t, 3, s.BatchSizeFor(domain.StrategyResourceAware))
}

func TestGroupByLocalityGroupsSameDirectory(t *testing.T) {
	groups := GroupByLocality([]string{
		"/data/a/1.bin",
		"/data/a/2.bin",
		"/data/b/1.bin",
	})
	require.Len(t, groups, 2)

	var total int
	for _, files := range groups {
		total += len(files)
	}
	require.Equal(t, 3, total)
}
