// Package ingest wires every ingestion component — buffer pool, thread-pool
// manager, file chunker, directory scanner, event watcher, batch scheduler,
// and adaptive sizing controller — into one explicit, constructible
// context. Nothing here is a package-level singleton: every dependency is
// built in NewRuntime and threaded through by value, the way
// cmd/alexander-server/main.go constructs its own services before injecting
// them into the router.
package ingest

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/prn-tf/ingestfs/internal/adaptive"
	"github.com/prn-tf/ingestfs/internal/batch"
	"github.com/prn-tf/ingestfs/internal/bufferpool"
	"github.com/prn-tf/ingestfs/internal/domain"
	"github.com/prn-tf/ingestfs/internal/filechunker"
	"github.com/prn-tf/ingestfs/internal/hashing"
	"github.com/prn-tf/ingestfs/internal/scanner"
	"github.com/prn-tf/ingestfs/internal/threadpool"
	"github.com/prn-tf/ingestfs/internal/watcher"
)

// Config bundles every sub-component's configuration.
type Config struct {
	Buffers  bufferpool.Config
	Pools    map[threadpool.Type]threadpool.TypeConfig
	Chunking filechunker.Options
	Batch    domain.BatchConfiguration
	Adaptive adaptive.Config

	// MemoryCeilingBytes is the denominator the adaptive controller
	// classifies observed heap usage against. Zero disables memory-pressure
	// classification (the sizing loop still runs).
	MemoryCeilingBytes uint64

	// Registerer, if nil, gets a private prometheus.Registry so repeated
	// Runtime construction in tests never collides on global metric names.
	Registerer prometheus.Registerer
}

// DefaultConfig returns sensible defaults for every sub-component.
func DefaultConfig() Config {
	return Config{
		Buffers: bufferpool.DefaultConfig(),
		Pools:   threadpool.DefaultTypeConfigs(),
		Chunking: filechunker.Options{
			Algorithm: domain.AlgorithmCDC,
			Min:       4 * 1024,
			Avg:       16 * 1024,
			Max:       64 * 1024,
		},
		Batch:              domain.DefaultBatchConfiguration(),
		Adaptive:           adaptive.DefaultConfig(),
		MemoryCeilingBytes: 0,
	}
}

// Runtime owns every shared collaborator for one ingestion session: the
// buffer pool, the typed thread-pool manager, the file chunker, the
// directory scanner, the batch scheduler, and the adaptive controller that
// drives backpressure and batch sizing across all of them.
type Runtime struct {
	logger zerolog.Logger

	Buffers   *bufferpool.Pool
	Pools     *threadpool.Manager
	Hasher    hashing.Hasher
	Chunker   *filechunker.Chunker
	Scanner   *scanner.Scanner
	Scheduler *batch.Scheduler
	Adaptive  *adaptive.Controller

	chunkOpts filechunker.Options

	mu       sync.Mutex
	watchers map[string]*watcher.Watcher

	started bool
}

// NewRuntime constructs every collaborator and wires the adaptive
// controller's recommendations into the buffer pool, thread-pool manager,
// and batch scheduler. The thread pools' workers start here (with
// threadpool.NewManager); the scheduler's dispatch loop and the adaptive
// controller's loops do not run until Start is called.
func NewRuntime(cfg Config, logger zerolog.Logger) *Runtime {
	logger = logger.With().Str("component", "ingest-runtime").Logger()

	buffers := bufferpool.New(cfg.Buffers, logger)
	pools := threadpool.NewManager(cfg.Pools, logger)
	hasher := hashing.Default()
	chunker := filechunker.New(buffers, hasher, pools, logger)
	sc := scanner.New(logger)

	rt := &Runtime{
		logger:    logger,
		Buffers:   buffers,
		Pools:     pools,
		Hasher:    hasher,
		Chunker:   chunker,
		Scanner:   sc,
		chunkOpts: cfg.Chunking,
		watchers:  make(map[string]*watcher.Watcher),
	}

	scheduler := batch.NewScheduler(cfg.Batch, rt.dispatchOperation, logger)
	rt.Scheduler = scheduler

	observers := []adaptive.PoolObserver{bufferPoolObserver{pool: buffers}}
	managedPools := make([]*threadpool.Pool, 0, 3)
	for _, t := range []threadpool.Type{threadpool.TypeIO, threadpool.TypeCPU, threadpool.TypeBatch} {
		if p, err := pools.Pool(t); err == nil {
			observers = append(observers, threadPoolObserver{name: string(t), pool: p})
			managedPools = append(managedPools, p)
		}
	}

	// onPressure implements spec.md §4.9's memory-pressure escalation: HIGH+
	// drops idle buffers (C3 cleanup), CRITICAL+/EMERGENCY additionally
	// forces every managed pool to its most aggressive backpressure ceiling
	// (the "halve pool ceilings" reclamation step), on top of the
	// controller's own debug.FreeOSMemory() call at that tier.
	onPressure := func(level adaptive.PressureLevel) {
		scheduler.SetPressureLevel(pressureToBatchK(level))
		logger.Warn().Str("level", level.String()).Msg("memory pressure threshold crossed")

		if level < adaptive.PressureHigh {
			return
		}
		buffers.Clear()

		if level >= adaptive.PressureCritical {
			for _, p := range managedPools {
				p.ApplyBackpressure(1.0)
			}
		}
	}

	memorySource := func() adaptive.MemoryObservation {
		if cfg.MemoryCeilingBytes == 0 {
			return adaptive.MemoryObservation{}
		}
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return adaptive.MemoryObservation{HeapUsed: m.HeapAlloc, HeapMax: cfg.MemoryCeilingBytes}
	}

	rt.Adaptive = adaptive.NewController(cfg.Adaptive, memorySource, onPressure, observers, logger, cfg.Registerer)

	return rt
}

// dispatchOperation is the batch scheduler's DispatchFunc: it chunks every
// file in the operation sequentially under the configured chunking options.
// A real multi-file fan-out would submit each file to the CPU pool; kept
// sequential here since Operation.Files is already one scheduling unit and
// the scanner/batch layers are responsible for sizing that unit.
func (r *Runtime) dispatchOperation(ctx context.Context, op *batch.Operation) error {
	for _, path := range op.Files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.Chunker.ChunkFile(ctx, path, r.chunkOpts); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the batch scheduler's dispatch loop and the adaptive
// controller's memory/sizing loops until ctx is cancelled or Close is
// called.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	r.Scheduler.Start(ctx)
	r.Adaptive.Start(ctx)
}

// Watch begins watching dir for filesystem events under opts, registering
// the resulting Watcher under dir so Close can tear it down.
func (r *Runtime) Watch(ctx context.Context, dir string, opts watcher.Options) (*watcher.Watcher, error) {
	w, err := watcher.New(dir, opts, r.logger)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)

	r.mu.Lock()
	r.watchers[dir] = w
	r.mu.Unlock()

	return w, nil
}

// Close stops the adaptive controller, drains the batch scheduler and
// thread pools within deadline, closes every registered watcher, and
// releases the buffer pool. Order matters: producers (watchers, adaptive
// controller) stop before consumers (scheduler, pools) so nothing is
// submitted to an already-draining pool.
func (r *Runtime) Close(deadline time.Duration) error {
	r.Adaptive.Stop()

	r.mu.Lock()
	watchers := make([]*watcher.Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.watchers = make(map[string]*watcher.Watcher)
	r.mu.Unlock()

	var firstErr error
	for _, w := range watchers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := r.Scheduler.Shutdown(deadline); err != nil && firstErr == nil {
		firstErr = err
	}
	r.Pools.Shutdown(deadline)
	r.Buffers.Close()

	return firstErr
}
