package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func shortOptions() Options {
	return Options{
		DebounceWindow: 30 * time.Millisecond,
		BatchSize:      8,
		QueueCapacity:  64,
	}
}

func collectEvents(t *testing.T, w *Watcher, timeout time.Duration) []Event {
	t.Helper()
	var all []Event
	deadline := time.After(timeout)
	for {
		select {
		case batch := <-w.Events():
			all = append(all, batch...)
		case <-deadline:
			return all
		}
	}
}

func TestWatcherDeliversCreateAndModify(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, shortOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("ab"), 0o644))

	events := collectEvents(t, w, 300*time.Millisecond)
	require.NotEmpty(t, events)

	var sawCreate, sawModify bool
	for _, e := range events {
		require.Equal(t, path, e.Path)
		switch e.Type {
		case EventCreate:
			sawCreate = true
		case EventModify:
			sawModify = true
		}
	}
	require.True(t, sawCreate, "expected a CREATE event")
	require.True(t, sawModify, "expected a MODIFY event")
}

func TestWatcherPreservesPerPathOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, shortOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	path := filepath.Join(dir, "ordered.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("ab"), 0o644))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	events := collectEvents(t, w, 400*time.Millisecond)

	var order []EventType
	for _, e := range events {
		if e.Path == path {
			order = append(order, e.Type)
		}
	}
	require.NotEmpty(t, order)

	lastRank := -1
	rank := map[EventType]int{EventCreate: 0, EventModify: 1, EventDelete: 2}
	for _, typ := range order {
		r := rank[typ]
		require.GreaterOrEqual(t, r, lastRank, "events for one path must not regress: create < modify < delete")
		lastRank = r
	}
}

func TestWatcherFiltersDropBeforeDebounce(t *testing.T) {
	dir := t.TempDir()
	opts := shortOptions()
	opts.Filters = []FilterFunc{
		func(e Event) bool { return filepath.Ext(e.Path) != ".tmp" },
	}
	w, err := New(dir, opts, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.txt"), []byte("x"), 0o644))

	events := collectEvents(t, w, 300*time.Millisecond)
	for _, e := range events {
		require.NotEqual(t, ".tmp", filepath.Ext(e.Path))
	}
	require.Greater(t, w.Stats().Filtered, uint64(0))
}

func TestWatcherOverflowIsCountedNotBlocking(t *testing.T) {
	dir := t.TempDir()
	opts := shortOptions()
	opts.QueueCapacity = 1
	opts.BatchSize = 1
	w, err := New(dir, opts, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	// never start the flush consumer read loop; fill the channel manually
	// by exercising dispatch directly to prove overflow accounting without
	// needing a real burst large enough to starve the OS watch queue.
	w.dispatch([]Event{{Type: EventModify, Path: "a"}})
	w.dispatch([]Event{{Type: EventModify, Path: "b"}})

	require.Equal(t, uint64(1), w.Stats().Dropped)
	require.Equal(t, uint64(1), w.Stats().Delivered)
}
