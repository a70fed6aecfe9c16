// Package bulk runs one function over many items with a bounded number of
// workers.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Operation represents a bulk operation configuration
type Operation struct {
	Jobs            int
	ContinueOnError bool
	Ordered         bool
	Logger          *slog.Logger
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems int
	Succeeded  int
	Failed     int
	Skipped    int
	Errors     []ItemError
}

// ItemError represents an error for a specific item
type ItemError struct {
	Item  string
	Error error
}

// Err returns the first item error, or nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	e := r.Errors[0]
	return fmt.Errorf("%s: %w", e.Item, e.Error)
}

// Execute runs fn for every item. Items are processed in order by one
// worker when op.Ordered is set or Jobs is 1; otherwise by up to Jobs
// workers (NumCPU when zero). Without ContinueOnError the first failure
// cancels the context handed to the remaining items, which are skipped.
func Execute[T any](ctx context.Context, op *Operation, items []T, fn func(ctx context.Context, item T) error) *Result {
	result := &Result{TotalItems: len(items)}
	if len(items) == 0 {
		return result
	}

	jobs := op.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if op.Ordered {
		jobs = 1
	}
	logger := op.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		mu   sync.Mutex
		gctx = ctx
		g    *errgroup.Group
	)
	if op.ContinueOnError {
		g = &errgroup.Group{}
	} else {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(jobs)

	for _, item := range items {
		item := item
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}

			err := fn(gctx, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, ItemError{Item: fmt.Sprint(item), Error: err})
				logger.Debug("bulk item failed", "item", item, "error", err)
				if !op.ContinueOnError {
					return err
				}
				return nil
			}
			result.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	return result
}
