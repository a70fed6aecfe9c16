// Package syncrun drives one full sync of the live tickets root: back up
// the previous generations, stream every role from the source into the
// store, prune tickets the source no longer returns, stamp the update
// marker and publish the day-over-day summary.
package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zyansaber/ticketsync/internal/archive"
	"github.com/zyansaber/ticketsync/internal/batch"
	"github.com/zyansaber/ticketsync/internal/bounded"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/record"
	"github.com/zyansaber/ticketsync/internal/snapshot"
	"github.com/zyansaber/ticketsync/internal/source"
	"github.com/zyansaber/ticketsync/internal/store"
)

// Fetcher streams the rows of one role.
type Fetcher interface {
	Fetch(ctx context.Context, role string, fn func(row map[string]any) error) (source.Stats, error)
}

// Options configures a Runner.
type Options struct {
	Root        string
	SummaryRoot string
	Roles       []string
	MaxBackups  int
	// Prune removes stored tickets the source did not return this run.
	Prune    bool
	Splitter record.Splitter
	Batch    batch.Options
	Diff     diff.Options
	// DeleteChunkSize bounds the child lists nulled per request when
	// evicting backups or pruning. Zero keeps the deleter default.
	DeleteChunkSize int
	// Archiver, when set, receives a compressed copy of the summary.
	Archiver *archive.Archiver
	// RunID tags logs and the summary. Generated when empty.
	RunID  string
	Now    func() time.Time
	Logger *slog.Logger
}

// Result reports what one run did.
type Result struct {
	RunID    string                 `json:"runId"`
	Root     string                 `json:"root"`
	UpdateAt string                 `json:"updateAt"`
	Rotation *snapshot.RotateResult `json:"rotation"`
	Roles    []source.Stats         `json:"roles"`
	Skipped  int                    `json:"skipped"`
	Batch    batch.Stats            `json:"batch"`
	Pruned   int                    `json:"pruned"`
	// Incomplete lists roles that delivered fewer rows than the source
	// reported. Pruning is skipped when it is not empty.
	Incomplete []string            `json:"incomplete,omitempty"`
	Writer     bounded.WriterStats `json:"writer"`
	Summary    *diff.Summary       `json:"summary"`
	Archived   string              `json:"archived,omitempty"`
	Duration   time.Duration       `json:"duration"`
}

// Runner performs sync runs against one store.
type Runner struct {
	store   store.Store
	writer  *bounded.Writer
	deleter *bounded.Deleter
	rotator *snapshot.Rotator
	source  Fetcher
	engine  *diff.Engine
	opts    Options
	logger  *slog.Logger
}

// New validates opts and compiles the diff fields. w carries the store.
func New(w *bounded.Writer, src Fetcher, opts Options) (*Runner, error) {
	if err := domain.ValidateRoot(opts.Root); err != nil {
		return nil, err
	}
	if opts.SummaryRoot != "" {
		if err := domain.ValidateRoot(opts.SummaryRoot); err != nil {
			return nil, fmt.Errorf("summary %w", err)
		}
		if opts.SummaryRoot == opts.Root {
			return nil, fmt.Errorf("summary root must differ from %s", opts.Root)
		}
	}
	if len(opts.Roles) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}
	for _, role := range opts.Roles {
		if err := domain.ValidateRole(role); err != nil {
			return nil, err
		}
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = snapshot.DefaultMaxBackups
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := diff.New(opts.Diff)
	if err != nil {
		return nil, err
	}

	rotator := snapshot.NewRotator(w, logger)
	if opts.DeleteChunkSize > 0 {
		rotator.Deleter.ChunkSize = opts.DeleteChunkSize
	}
	return &Runner{
		store:   w.Store,
		writer:  w,
		deleter: rotator.Deleter,
		rotator: rotator,
		source:  src,
		engine:  engine,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Run performs one full sync. A failure in any role stops the run before
// pruning and stamping, leaving the root partially updated but never
// pruned against an incomplete id set.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := r.opts.Now()
	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	root := r.opts.Root
	log := r.logger.With("run_id", runID, "root", root)
	res := &Result{RunID: runID, Root: root}
	r.writer.ResetStats()

	rot, err := r.rotator.Rotate(ctx, root, r.opts.MaxBackups)
	if err != nil {
		return res, fmt.Errorf("rotation failed: %w", err)
	}
	res.Rotation = rot
	log.Info("rotated backups", "backups", rot.Count(snapshot.ActionBackup), "evicted", rot.Count(snapshot.ActionEvict))

	bopts := r.opts.Batch
	bopts.Logger = log
	acc := batch.New(root, r.writer, bopts)

	for _, role := range r.opts.Roles {
		role := role
		stats, err := r.source.Fetch(ctx, role, func(row map[string]any) error {
			sp, err := r.opts.Splitter.Split(row, role)
			if errors.Is(err, domain.ErrMissingID) {
				res.Skipped++
				log.Debug("skipping row without identifier", "role", role)
				return nil
			}
			if err != nil {
				return err
			}
			return acc.Add(ctx, sp.ID, sp.Role, sp.Base, sp.Fragment)
		})
		res.Roles = append(res.Roles, stats)
		if err != nil {
			res.Batch = acc.Stats()
			return res, fmt.Errorf("role %s: %w", role, err)
		}
		if stats.Total >= 0 && stats.Rows < stats.Total {
			res.Incomplete = append(res.Incomplete, role)
			log.Warn("role delivered fewer rows than reported",
				"role", role, "rows", stats.Rows, "total", stats.Total)
		}
		log.Info("fetched role", "role", role, "rows", stats.Rows, "pages", stats.Pages)
	}

	if err := acc.Close(ctx); err != nil {
		res.Batch = acc.Stats()
		return res, err
	}
	res.Batch = acc.Stats()

	switch {
	case !r.opts.Prune:
	case len(res.Incomplete) > 0:
		log.Warn("incomplete fetch, skipping prune", "roles", res.Incomplete)
	default:
		n, err := r.prune(ctx, acc, log)
		if err != nil {
			return res, err
		}
		res.Pruned = n
	}

	res.UpdateAt = domain.FormatUpdateAt(r.opts.Now())
	if err := r.writer.Retry(ctx, "stamp "+root, func() error {
		return snapshot.StampUpdateAt(ctx, r.store, root, res.UpdateAt)
	}); err != nil {
		return res, err
	}

	summary, err := r.Summarize(ctx)
	if err != nil {
		return res, err
	}
	summary.RunID = runID
	res.Summary = summary

	if r.opts.SummaryRoot != "" {
		if err := PublishSummary(ctx, r.writer, r.opts.SummaryRoot, summary); err != nil {
			return res, err
		}
	}

	if r.opts.Archiver != nil {
		name := archive.Name(root, start, runID)
		if err := r.opts.Archiver.Put(ctx, name, summary); err != nil {
			return res, err
		}
		res.Archived = name
	}

	res.Writer = r.writer.Stats()
	res.Duration = r.opts.Now().Sub(start)
	log.Info("sync complete",
		"tickets", res.Batch.Tickets,
		"records", res.Batch.Records,
		"skipped", res.Skipped,
		"pruned", res.Pruned,
		"flushes", res.Batch.Flushes,
		"splits", res.Writer.Splits,
		"changed", len(summary.ChangedTickets))
	return res, nil
}

// prune deletes stored tickets not seen by acc. A run that saw no records
// at all prunes nothing.
func (r *Runner) prune(ctx context.Context, acc *batch.Accumulator, log *slog.Logger) (int, error) {
	if acc.Stats().Records == 0 {
		log.Warn("no records fetched, skipping prune")
		return 0, nil
	}
	ids, err := snapshot.TicketIDs(ctx, r.store, r.opts.Root)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, id := range ids {
		if !acc.Seen(id) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	log.Info("pruning stale tickets", "count", len(stale))
	parent := paths.JoinPath(r.opts.Root, domain.TicketsKey)
	if err := r.deleter.DeleteChildren(ctx, parent, stale); err != nil {
		return 0, fmt.Errorf("prune failed: %w", err)
	}
	return len(stale), nil
}

// Summarize compares the live root against its most recent backup.
func (r *Runner) Summarize(ctx context.Context) (*diff.Summary, error) {
	current, err := snapshot.Load(ctx, r.store, r.opts.Root)
	if err != nil {
		return nil, err
	}
	previous, err := snapshot.Load(ctx, r.store, snapshot.BackupName(r.opts.Root, 1))
	if err != nil {
		return nil, err
	}
	return r.engine.CompareSnapshots(current, previous), nil
}

// PublishSummary replaces dst with s. When the whole value is rejected as
// oversize, dst is cleared and rewritten one list element per path through
// the bisecting writer.
func PublishSummary(ctx context.Context, w *bounded.Writer, dst string, s *diff.Summary) error {
	if err := domain.ValidateRoot(dst); err != nil {
		return err
	}
	value, err := toTree(s)
	if err != nil {
		return err
	}
	err = w.Retry(ctx, "publish "+dst, func() error {
		return w.Store.WriteSubtree(ctx, dst, value)
	})
	if err == nil || !store.IsOversize(err) {
		return err
	}

	if w.Logger != nil {
		w.Logger.Warn("summary too large for one write, splitting", "root", dst)
	}
	if err := bounded.NewDeleter(w).Delete(ctx, dst); err != nil {
		return err
	}
	return w.Write(ctx, dst, expandLists(value))
}

// toTree converts v to the plain map/slice form stores accept.
func toTree(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return out, nil
}

// expandLists turns top-level list values into one entry per element.
// Empty lists and nils are dropped since a null write would delete.
func expandLists(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		switch x := val.(type) {
		case nil:
		case []any:
			for i, el := range x {
				if el != nil {
					out[k+"/"+strconv.Itoa(i)] = el
				}
			}
		default:
			out[k] = val
		}
	}
	return out
}
