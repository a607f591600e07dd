// Package bufferpool implements a direct-buffer pool (spec.md §4.3): a
// lock-free-friendly queue of idle byte buffers plus atomic total/in-use
// counters, so that I/O-heavy ingestion paths can lease and return buffers
// without a per-call allocation.
package bufferpool

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/prn-tf/ingestfs/internal/domain"
)

// Buffer owns a direct-addressable byte region. It is exclusively owned by
// its lessee until Release is called; the pool owns it while idle. Size is
// capacity, not content length — callers must treat contents as
// uninitialized after acquisition (spec.md §3).
type Buffer struct {
	pool *Pool
	data []byte
}

// Bytes returns the full backing slice. Callers slice it down to the
// amount they actually used.
func (b *Buffer) Bytes() []byte { return b.data }

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Release returns the buffer to its owning pool. Mandatory on every exit
// path (spec.md §3, "scoped acquisition"); idempotent on closed pools.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.release(b)
}

// Config holds the pool's sizing parameters (spec.md §4.3: 1 KiB–1 MiB for
// the default pool). DefaultSize is the minimum size of a fresh allocation
// and MaxBuffers sets the pre-allocation count; MinSize and MaxSize are
// carried as configuration only, and Acquire does not check requested
// sizes against them.
type Config struct {
	DefaultSize int
	MaxBuffers  int
	MinSize     int
	MaxSize     int
}

// DefaultConfig returns the bounds spec.md names for the default pool.
func DefaultConfig() Config {
	return Config{
		DefaultSize: 64 * 1024,
		MaxBuffers:  64,
		MinSize:     1024,
		MaxSize:     1024 * 1024,
	}
}

// Pool is a process-wide (or test-scoped — Design Notes §9 prefer explicit
// contexts over singletons) registry of idle direct buffers.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	idle   []*Buffer
	total  atomic.Int64
	inUse  atomic.Int64
	closed atomic.Bool

	// allocateFunc performs the actual allocation; overridable by tests
	// that want to simulate AllocationFailed without exhausting real memory.
	allocateFunc func(size int) ([]byte, bool)
}

// New constructs a Pool and pre-allocates min(maxBuffers/2, 4) buffers
// eagerly to avoid cold-start allocation (spec.md §4.3).
func New(cfg Config, logger zerolog.Logger) *Pool {
	p := &Pool{
		cfg:    cfg,
		logger: logger.With().Str("component", "bufferpool").Logger(),
	}
	p.allocateFunc = func(size int) ([]byte, bool) { return make([]byte, size), true }

	preAlloc := cfg.MaxBuffers / 2
	if preAlloc > 4 {
		preAlloc = 4
	}
	for i := 0; i < preAlloc; i++ {
		buf := &Buffer{pool: p, data: make([]byte, cfg.DefaultSize)}
		p.idle = append(p.idle, buf)
		p.total.Add(1)
	}

	p.logger.Debug().
		Int("pre_allocated", preAlloc).
		Str("default_size", humanize.IBytes(uint64(cfg.DefaultSize))).
		Msg("buffer pool initialized")

	return p
}

// Acquire returns a buffer with capacity >= size, reusing an idle buffer
// when one is large enough and allocating a fresh one otherwise.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if p.closed.Load() {
		return nil, domain.ErrClosed
	}
	if size <= 0 {
		return nil, domain.ErrInvalidArgument
	}

	p.mu.Lock()
	var found *Buffer
	for i, b := range p.idle {
		if cap(b.data) >= size {
			found = b
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if found != nil {
		found.data = found.data[:cap(found.data)]
		p.inUse.Add(1)
		return found, nil
	}

	allocSize := size
	if p.cfg.DefaultSize > allocSize {
		allocSize = p.cfg.DefaultSize
	}

	buf, err := p.allocate(allocSize)
	if err != nil {
		return nil, err
	}
	p.total.Add(1)
	p.inUse.Add(1)
	return buf, nil
}

// allocate makes a fresh buffer. A plain Go make() does not return a
// recoverable error short of a fatal, process-ending OOM, so the
// drop-four-and-retry path from spec.md §4.3 is exercised through
// allocateFunc, which tests can swap out to simulate a failing allocator;
// production code always takes the make() branch.
func (p *Pool) allocate(size int) (*Buffer, error) {
	data, ok := p.allocateFunc(size)
	if !ok {
		p.dropIdle(4)
		data, ok = p.allocateFunc(size)
		if !ok {
			return nil, domain.ErrAllocationFailed
		}
	}
	return &Buffer{pool: p, data: data}, nil
}

func (p *Pool) dropIdle(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	drop := n
	if drop > len(p.idle) {
		drop = len(p.idle)
	}
	p.idle = p.idle[drop:]
	p.total.Add(-int64(drop))
}

// release clears position/limit state (here: re-slices to full capacity so
// the next lessee sees an unused-looking buffer) and enqueues it. Silently
// dropped on closed pools (spec.md §4.3).
func (p *Pool) release(b *Buffer) {
	p.inUse.Add(-1)
	if p.closed.Load() {
		p.total.Add(-1)
		return
	}
	b.data = b.data[:cap(b.data)]
	p.mu.Lock()
	p.idle = append(p.idle, b)
	p.mu.Unlock()
}

// Stats is a snapshot of pool accounting (spec.md §3 invariant:
// total == idle + in_use outside acquire/release critical sections).
type Stats struct {
	Total int64
	Idle  int64
	InUse int64
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := int64(len(p.idle))
	p.mu.Unlock()
	return Stats{Total: p.total.Load(), Idle: idle, InUse: p.inUse.Load()}
}

// Clear drains the idle queue without closing the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	dropped := len(p.idle)
	p.idle = nil
	p.mu.Unlock()
	p.total.Add(-int64(dropped))
}

// Close drains the idle queue and disallows further acquisition.
// Guaranteed to run once; concurrent callers observe the first outcome.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.Clear()
	p.logger.Debug().Msg("buffer pool closed")
}
