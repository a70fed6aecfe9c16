package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/store"
)

// Default flush thresholds. The path and byte ceilings sit below the
// store's own limits.
const (
	DefaultMaxTickets = 500
	DefaultMaxPaths   = 8000
	DefaultMaxBytes   = 6_000_000
)

// Flusher writes one staged batch beneath root.
type Flusher interface {
	Write(ctx context.Context, root string, updates map[string]any) error
}

// State is the accumulator's lifecycle state.
type State int

const (
	Accumulating State = iota
	Flushing
)

func (s State) String() string {
	if s == Flushing {
		return "flushing"
	}
	return "accumulating"
}

// Options configures an Accumulator. Zero thresholds take the defaults.
type Options struct {
	MaxTickets int
	MaxPaths   int
	MaxBytes   int
	Logger     *slog.Logger
}

// Stats summarizes one run of the accumulator.
type Stats struct {
	Records       int
	Flushes       int
	PathsWritten  int
	BaseWrites    int
	BaseConflicts int
	Tickets       int
}

// Accumulator buffers per-ticket writes for one sync run and hands them to
// a Flusher whenever a threshold is met. It is not safe for concurrent use.
type Accumulator struct {
	root   string
	out    Flusher
	opts   Options
	logger *slog.Logger

	state   State
	pending map[string]any
	sizes   map[string]int
	bytes   int
	batchID map[string]struct{}

	// bases maps every ticket whose base was staged this run to a hash of
	// the base that won.
	bases map[string]uint64
	stats Stats
}

// New creates an accumulator writing beneath root.
func New(root string, out Flusher, opts Options) *Accumulator {
	if opts.MaxTickets <= 0 {
		opts.MaxTickets = DefaultMaxTickets
	}
	if opts.MaxPaths <= 0 {
		opts.MaxPaths = DefaultMaxPaths
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Accumulator{
		root:   root,
		out:    out,
		opts:   opts,
		logger: logger,
		bases:  make(map[string]uint64),
	}
	a.reset()
	return a
}

// Add stages one record: its role fragment and the server timestamp always,
// its base only the first time the ticket is seen in this run. A flush
// follows when any threshold is met.
func (a *Accumulator) Add(ctx context.Context, id, role string, base, fragment map[string]any) error {
	if a.state != Accumulating {
		return fmt.Errorf("add while %s", a.state)
	}
	if id == "" {
		return domain.ErrMissingID
	}
	if err := domain.ValidateRole(role); err != nil {
		return err
	}

	a.stage(domain.RolePath(id, role), fragment)
	a.stage(domain.UpdatedAtPath(id), store.ServerTimestamp())

	sum := hashValue(base)
	if prev, ok := a.bases[id]; !ok {
		a.bases[id] = sum
		a.stage(domain.BasePath(id), base)
		a.stats.BaseWrites++
	} else if prev != sum {
		a.stats.BaseConflicts++
		a.logger.Debug("base conflict, keeping first", "ticket", id, "role", role)
	}

	a.batchID[id] = struct{}{}
	a.stats.Records++
	a.stats.Tickets = len(a.bases)

	if a.thresholdMet() {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes everything staged so far and clears the batch.
func (a *Accumulator) Flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}

	a.state = Flushing
	updates := a.pending
	tickets := len(a.batchID)
	bytes := a.bytes
	a.reset()

	a.logger.Debug("flushing batch",
		"root", a.root, "tickets", tickets, "paths", len(updates), "bytes", bytes)

	err := a.out.Write(ctx, a.root, updates)
	a.state = Accumulating
	if err != nil {
		return fmt.Errorf("flush of %d paths failed: %w", len(updates), err)
	}
	a.stats.Flushes++
	a.stats.PathsWritten += len(updates)
	return nil
}

// Close flushes whatever remains.
func (a *Accumulator) Close(ctx context.Context) error {
	return a.Flush(ctx)
}

// State returns the current lifecycle state.
func (a *Accumulator) State() State {
	return a.state
}

// Stats returns a copy of the counters.
func (a *Accumulator) Stats() Stats {
	return a.stats
}

// Pending returns the number of staged paths.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

// Seen reports whether id was staged during this run.
func (a *Accumulator) Seen(id string) bool {
	_, ok := a.bases[id]
	return ok
}

func (a *Accumulator) stage(path string, value any) {
	if old, ok := a.sizes[path]; ok {
		a.bytes -= old
	}
	n := EstimateEntry(path, value) + 1
	a.pending[path] = value
	a.sizes[path] = n
	a.bytes += n
}

func (a *Accumulator) thresholdMet() bool {
	return len(a.batchID) >= a.opts.MaxTickets ||
		len(a.pending) >= a.opts.MaxPaths ||
		a.bytes+2 >= a.opts.MaxBytes
}

func (a *Accumulator) reset() {
	a.pending = make(map[string]any)
	a.sizes = make(map[string]int)
	a.batchID = make(map[string]struct{})
	a.bytes = 0
}

func hashValue(v any) uint64 {
	h := fnv.New64a()
	// encoding/json sorts map keys, so equal maps hash equally.
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprint(h, v)
	} else {
		h.Write(data)
	}
	return h.Sum64()
}
