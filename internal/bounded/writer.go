// Package bounded performs writes and deletes against a store that rejects
// operations above a size or path-count limit.
//
// Oversize rejections are absorbed by splitting the work. Transient errors
// are retried with exponential backoff up to a fixed budget.
package bounded

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

// Retry defaults.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 500 * time.Millisecond
)

// IndivisibleError reports a single entry the store rejects as oversized.
type IndivisibleError struct {
	Path string
	Err  error
}

func (e *IndivisibleError) Error() string {
	return fmt.Sprintf("single entry %s exceeds store limit: %v", e.Path, e.Err)
}

func (e *IndivisibleError) Unwrap() error {
	return e.Err
}

// Writer is the bisecting multi-path writer.
type Writer struct {
	Store      store.Store
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger

	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	stats WriterStats
}

// WriterStats counts the writer's work.
type WriterStats struct {
	Calls    int
	Retries  int
	Splits   int
	MaxDepth int
}

// NewWriter creates a writer with default retry settings.
func NewWriter(s store.Store, logger *slog.Logger) *Writer {
	return &Writer{Store: s, Logger: logger}
}

// Stats returns a copy of the counters.
func (w *Writer) Stats() WriterStats {
	return w.stats
}

// ResetStats zeroes the counters.
func (w *Writer) ResetStats() {
	w.stats = WriterStats{}
}

type entry struct {
	path  string
	value any
}

// onSingle handles a single entry the store still rejects as oversized.
type onSingle func(ctx context.Context, fullPath string, err error) error

// Write makes every path in updates (relative to root) hold its value, nil
// values removing the path. Entries are split by position in sorted path
// order whenever the store rejects a call as oversized.
func (w *Writer) Write(ctx context.Context, root string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	entries := make([]entry, 0, len(updates))
	for _, p := range store.SortedKeys(updates) {
		entries = append(entries, entry{path: p, value: updates[p]})
	}
	return w.write(ctx, root, entries, 1, func(_ context.Context, full string, err error) error {
		return &IndivisibleError{Path: full, Err: err}
	})
}

func (w *Writer) write(ctx context.Context, root string, entries []entry, depth int, single onSingle) error {
	if depth > w.stats.MaxDepth {
		w.stats.MaxDepth = depth
	}

	m := make(map[string]any, len(entries))
	for _, e := range entries {
		m[e.path] = e.value
	}
	err := w.Retry(ctx, "update "+root, func() error {
		w.stats.Calls++
		return w.Store.MultiUpdate(ctx, root, m)
	})
	if err == nil || !store.IsOversize(err) {
		return err
	}

	if len(entries) == 1 {
		return single(ctx, paths.JoinPath(root, entries[0].path), err)
	}

	w.stats.Splits++
	mid := len(entries) / 2
	w.logger().Debug("oversize write, splitting",
		"root", root, "entries", len(entries), "depth", depth)
	if err := w.write(ctx, root, entries[:mid], depth+1, single); err != nil {
		return err
	}
	return w.write(ctx, root, entries[mid:], depth+1, single)
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent.
func (w *Writer) Retry(ctx context.Context, op string, fn func() error) error {
	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	delay := w.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !store.IsTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%s: giving up after %d retries: %w", op, maxRetries, err)
		}
		wait := delay << attempt
		w.stats.Retries++
		w.logger().Warn("transient store error, retrying",
			"op", op, "attempt", attempt+1, "wait", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
