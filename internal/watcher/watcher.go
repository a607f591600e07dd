// Package watcher implements the incremental filesystem-event watcher
// (spec.md §4.7, C7): fsnotify create/modify/delete notifications,
// debounced and coalesced by (event_type, path, file_size), dispatched in
// per-path arrival order to a bounded output queue that drops and counts
// rather than blocks on overflow.
package watcher

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// EventType classifies a watched filesystem change.
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	// EventOverflow marks that the dispatch queue could not accept an
	// event; fsnotify does not surface the OS's own inotify queue
	// overflow notification through its public Op enum, so this models
	// our own bounded-queue overflow instead (see DESIGN.md). Such drops
	// are counted in Stats.Dropped; no Event of this type is emitted.
	EventOverflow
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Event is one (debounced) filesystem change.
type Event struct {
	Type EventType
	Path string
	Size int64
	Time time.Time
}

type debounceKey struct {
	Type EventType
	Path string
	Size int64
}

// FilterFunc reports whether an event should be kept; returning false
// drops it before it ever enters the debounce window.
type FilterFunc func(Event) bool

// Options configures a Watcher.
type Options struct {
	DebounceWindow time.Duration
	BatchSize      int
	QueueCapacity  int
	Filters        []FilterFunc
}

// DefaultOptions matches spec.md §4.7's default debounce window.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 100 * time.Millisecond,
		BatchSize:      32,
		QueueCapacity:  256,
	}
}

// Stats are cumulative, atomic counters safe to read concurrently with a
// running Watcher.
type Stats struct {
	Delivered uint64
	Filtered  uint64
	Dropped   uint64
}

type pendingEntry struct {
	key      debounceKey
	event    Event
	lastSeen time.Time
}

// Watcher wraps an fsnotify.Watcher with debounce, coalescing, and a
// bounded, drop-on-overflow output queue.
type Watcher struct {
	fsw    *fsnotify.Watcher
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string][]*pendingEntry // path -> entries in first-seen order

	out chan []Event

	delivered atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Watcher registered on dir. Call Start to begin delivering
// events and Close to release the underlying OS watch.
func New(dir string, opts Options, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultOptions().DebounceWindow
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultOptions().QueueCapacity
	}

	return &Watcher{
		fsw:     fsw,
		opts:    opts,
		logger:  logger.With().Str("component", "watcher").Logger(),
		pending: make(map[string][]*pendingEntry),
		out:     make(chan []Event, opts.QueueCapacity),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the channel of debounced event batches, each in per-path
// arrival order.
func (w *Watcher) Events() <-chan []Event { return w.out }

// Stats returns a point-in-time snapshot of the delivery counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Delivered: w.delivered.Load(),
		Filtered:  w.filtered.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// Start runs the ingest and flush loops until ctx is cancelled or Close is
// called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.ingestLoop(ctx)
	go w.flushLoop(ctx)
}

// Close stops the watch loops and releases the OS watch descriptor.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) ingestLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.ingest(raw)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) ingest(raw fsnotify.Event) {
	evType, ok := classify(raw.Op)
	if !ok {
		return
	}

	size := int64(0)
	if evType != EventDelete {
		if info, err := os.Stat(raw.Name); err == nil {
			size = info.Size()
		}
	}

	event := Event{Type: evType, Path: raw.Name, Size: size, Time: time.Now()}
	for _, f := range w.opts.Filters {
		if !f(event) {
			w.filtered.Add(1)
			return
		}
	}

	key := debounceKey{Type: evType, Path: raw.Name, Size: size}

	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.pending[raw.Name]
	for _, e := range entries {
		if e.key == key {
			e.lastSeen = event.Time
			e.event = event
			return
		}
	}
	w.pending[raw.Name] = append(entries, &pendingEntry{key: key, event: event, lastSeen: event.Time})
}

func classify(op fsnotify.Op) (EventType, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return EventCreate, true
	case op&fsnotify.Write != 0:
		return EventModify, true
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return EventDelete, true
	default:
		return 0, false
	}
}

func (w *Watcher) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	interval := w.opts.DebounceWindow / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushExpired()
			return
		case <-w.done:
			w.flushExpired()
			return
		case <-ticker.C:
			w.flushExpired()
		}
	}
}

// flushExpired pops, in per-path first-seen order, every debounce entry
// whose window has elapsed, and dispatches them in batches of at most
// BatchSize. Only entries at the front of each path's slice are eligible:
// an unexpired entry blocks everything behind it on that path, which is
// what keeps CREATE ahead of MODIFY ahead of DELETE for one path.
func (w *Watcher) flushExpired() {
	now := time.Now()
	var batch []Event

	w.mu.Lock()
	for path, entries := range w.pending {
		i := 0
		for i < len(entries) && now.Sub(entries[i].lastSeen) >= w.opts.DebounceWindow {
			batch = append(batch, entries[i].event)
			i++
			if len(batch) >= w.opts.BatchSize {
				w.dispatch(batch)
				batch = nil
			}
		}
		if i > 0 {
			remaining := entries[i:]
			if len(remaining) == 0 {
				delete(w.pending, path)
			} else {
				w.pending[path] = remaining
			}
		}
	}
	w.mu.Unlock()

	if len(batch) > 0 {
		w.dispatch(batch)
	}
}

// dispatch is called both while w.mu is held (from flushExpired's inner
// loop) and after it has been released; either way it only ever performs
// a non-blocking channel send, so it never waits on anything that could
// in turn wait on the mutex.
func (w *Watcher) dispatch(batch []Event) {
	select {
	case w.out <- batch:
		w.delivered.Add(uint64(len(batch)))
	default:
		w.dropped.Add(uint64(len(batch)))
		w.logger.Warn().Int("events", len(batch)).Msg("watcher output queue full, dropping batch")
	}
}
