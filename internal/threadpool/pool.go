// Package threadpool implements the typed thread-pool manager of spec.md
// §4.4: six pool types (IO, CPU, COMPLETION, BATCH, WATCH, MGMT), each with
// its own queue, rejection policy, and backpressure-scaled concurrency
// limit, registered under one process-wide (or test-scoped) Manager.
//
// The concurrency model is grounded on the teacher's
// tiering.TieringController: a bounded worker loop driven by a
// sync.WaitGroup and a shutdown channel, generalized here from one
// background controller into six typed pools sharing the same shape.
package threadpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ingestfs/internal/domain"
)

// Type identifies one of the pool kinds from spec.md §4.4.
type Type string

const (
	TypeIO         Type = "io"
	TypeCPU        Type = "cpu"
	TypeCompletion Type = "completion"
	TypeBatch      Type = "batch"
	TypeWatch      Type = "watch"
	TypeMgmt       Type = "mgmt"
)

// RejectionPolicy decides what happens when a submission cannot be enqueued
// during backpressure (spec.md §4.4).
type RejectionPolicy int

const (
	// RejectRetryAfter returns ErrOverloaded; the caller should retry later.
	RejectRetryAfter RejectionPolicy = iota
	// RejectCallerRuns runs the task synchronously on the submitting
	// goroutine instead of queueing it (MGMT pool default).
	RejectCallerRuns
)

// TypeConfig configures one pool type.
type TypeConfig struct {
	Type            Type
	MaxSize         int
	CoreSize        int
	QueueCapacity   int
	RejectionPolicy RejectionPolicy
	// BackpressureAggressiveness is f(1.0) in spec.md §4.4's
	// `max * (1 - f(level))`; BATCH/MGMT default higher, IO/COMPLETION lower.
	BackpressureAggressiveness float64
}

// DefaultTypeConfigs returns the six pool types with the defaults spec.md
// §4.4's table describes.
func DefaultTypeConfigs() map[Type]TypeConfig {
	return map[Type]TypeConfig{
		TypeIO: {
			Type: TypeIO, MaxSize: 8, CoreSize: 2, QueueCapacity: 256,
			RejectionPolicy: RejectRetryAfter, BackpressureAggressiveness: 0.5,
		},
		TypeCPU: {
			Type: TypeCPU, MaxSize: 8, CoreSize: 2, QueueCapacity: 128,
			RejectionPolicy: RejectRetryAfter, BackpressureAggressiveness: 0.6,
		},
		TypeCompletion: {
			Type: TypeCompletion, MaxSize: 4, CoreSize: 1, QueueCapacity: 32,
			RejectionPolicy: RejectRetryAfter, BackpressureAggressiveness: 0.3,
		},
		TypeBatch: {
			Type: TypeBatch, MaxSize: 4, CoreSize: 1, QueueCapacity: 64,
			RejectionPolicy: RejectRetryAfter, BackpressureAggressiveness: 0.9,
		},
		TypeWatch: {
			Type: TypeWatch, MaxSize: 2, CoreSize: 1, QueueCapacity: 4096,
			RejectionPolicy: RejectRetryAfter, BackpressureAggressiveness: 0.4,
		},
		TypeMgmt: {
			Type: TypeMgmt, MaxSize: 2, CoreSize: 1, QueueCapacity: 16,
			RejectionPolicy: RejectCallerRuns, BackpressureAggressiveness: 0.9,
		},
	}
}

// Future is the result of a submitted task, resolved exactly once.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Get blocks until the task completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Stats is a snapshot of one pool's instantaneous state.
type Stats struct {
	Active            int64
	Queued            int64
	Completed         int64
	Rejected          int64
	BackpressureLevel float64
	EffectiveMax      int
}

// Pool is one typed worker pool: a bounded task queue plus a token-based
// concurrency limiter that ApplyBackpressure can shrink without touching
// worker goroutines or the queue itself.
type Pool struct {
	cfg    TypeConfig
	logger zerolog.Logger

	tasks chan func()
	// tokens is a channel-based counting semaphore sized cfg.MaxSize;
	// ApplyBackpressure drains tokens out (holding them in held) to shrink
	// effective concurrency, ReleaseBackpressure returns them.
	tokens chan struct{}
	held   int

	backpressureMu sync.Mutex
	backpressure   float64

	active    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	closed     atomic.Bool
	closeOnce  sync.Once
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New constructs and starts a Pool: cfg.MaxSize persistent workers drain
// the task queue, each holding one token from the concurrency limiter for
// the duration of the task it runs.
func New(cfg TypeConfig, logger zerolog.Logger) *Pool {
	p := &Pool{
		cfg:        cfg,
		logger:     logger.With().Str("component", "threadpool").Str("pool", string(cfg.Type)).Logger(),
		tasks:      make(chan func(), cfg.QueueCapacity),
		tokens:     make(chan struct{}, cfg.MaxSize),
		shutdownCh: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.tokens <- struct{}{}
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdownCh:
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			select {
			case tok := <-p.tokens:
				p.active.Add(1)
				task()
				p.active.Add(-1)
				p.completed.Add(1)
				p.tokens <- tok
			case <-p.shutdownCh:
				return
			}
		}
	}
}

// Submit enqueues fn and returns a Future resolved with its result.
// Rejected with ErrClosed after shutdown, with ErrOverloaded when the
// queue is full under RejectRetryAfter, or run synchronously under
// RejectCallerRuns.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	if p.closed.Load() {
		return nil, domain.ErrClosed
	}

	future := newFuture[T]()
	task := func() {
		v, err := fn(context.Background())
		future.resolve(v, err)
	}

	select {
	case p.tasks <- task:
		return future, nil
	default:
	}

	switch p.cfg.RejectionPolicy {
	case RejectCallerRuns:
		task()
		return future, nil
	default:
		p.rejected.Add(1)
		return nil, domain.ErrOverloaded
	}
}

// ApplyBackpressure reduces the pool's effective concurrency to
// max * (1 - aggressiveness*level), level in [0,1] (spec.md §4.4).
func (p *Pool) ApplyBackpressure(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	p.backpressureMu.Lock()
	defer p.backpressureMu.Unlock()

	p.backpressure = level
	reduction := p.cfg.BackpressureAggressiveness * level
	newMax := int(float64(p.cfg.MaxSize) * (1 - reduction))
	if newMax < 1 {
		newMax = 1
	}
	targetHeld := p.cfg.MaxSize - newMax

	for p.held < targetHeld {
		select {
		case <-p.tokens:
			p.held++
		default:
			// every remaining token is in flight; it will be returned to
			// the channel by a worker and picked up on the next resize.
			return
		}
	}
	for p.held > targetHeld {
		p.tokens <- struct{}{}
		p.held--
	}
}

// ReleaseBackpressure restores the pool's configured maximum concurrency.
func (p *Pool) ReleaseBackpressure() {
	p.ApplyBackpressure(0)
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.backpressureMu.Lock()
	held := p.held
	bp := p.backpressure
	p.backpressureMu.Unlock()

	return Stats{
		Active:            p.active.Load(),
		Queued:            int64(len(p.tasks)),
		Completed:         p.completed.Load(),
		Rejected:          p.rejected.Load(),
		BackpressureLevel: bp,
		EffectiveMax:      p.cfg.MaxSize - held,
	}
}

// Shutdown stops accepting tasks, waits up to deadline for in-flight tasks
// to finish, then forcibly returns. Tasks still running at the deadline are
// not interrupted (each task receives context.Background()), and queued
// tasks that no worker has started may never run. It never holds an
// internal lock while awaiting worker termination (spec.md §5: deadlock
// avoidance) — the wait happens on a watchdog goroutine outside any lock.
func (p *Pool) Shutdown(deadline time.Duration) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(deadline):
			p.logger.Warn().Dur("deadline", deadline).Msg("shutdown deadline exceeded, returning without waiting for in-flight tasks")
			close(p.shutdownCh)
		}
	})
}

// Manager is the process-wide registry of typed pools (spec.md §4.4).
type Manager struct {
	logger zerolog.Logger
	pools  map[Type]*Pool
}

// NewManager constructs every configured pool type.
func NewManager(cfgs map[Type]TypeConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		logger: logger.With().Str("component", "threadpool-manager").Logger(),
		pools:  make(map[Type]*Pool, len(cfgs)),
	}
	for t, cfg := range cfgs {
		m.pools[t] = New(cfg, logger)
	}
	return m
}

// Pool returns the named pool, or an error if it was never registered.
func (m *Manager) Pool(t Type) (*Pool, error) {
	p, ok := m.pools[t]
	if !ok {
		return nil, fmt.Errorf("threadpool: no pool registered for type %q", t)
	}
	return p, nil
}

// Shutdown shuts down every registered pool.
func (m *Manager) Shutdown(deadline time.Duration) {
	var wg sync.WaitGroup
	for _, p := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Shutdown(deadline)
		}(p)
	}
	wg.Wait()
}

// AllStats returns a snapshot of every pool, keyed by type.
func (m *Manager) AllStats() map[Type]Stats {
	out := make(map[Type]Stats, len(m.pools))
	for t, p := range m.pools {
		out[t] = p.Stats()
	}
	return out
}
