package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zyansaber/ticketsync/internal/bounded"
	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

// DefaultMaxBackups is the length of the backup chain kept by default.
const DefaultMaxBackups = 3

// Rotator maintains the backup chain of snapshot roots. Removals go
// through the bounded deleter so that large generations never exceed the
// store's delete limit.
type Rotator struct {
	Store   store.Store
	Writer  *bounded.Writer
	Deleter *bounded.Deleter
	Logger  *slog.Logger
}

// NewRotator builds a rotator over s sharing the given writer.
func NewRotator(w *bounded.Writer, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		Store:   w.Store,
		Writer:  w,
		Deleter: bounded.NewDeleter(w),
		Logger:  logger,
	}
}

// Rotate shifts root's backup chain by one: root_max is evicted, each
// root_i moves to root_{i+1} from the oldest down, and the live root is
// copied to root_1 last. The live root itself is left in place.
func (r *Rotator) Rotate(ctx context.Context, root string, maxBackups int) (*RotateResult, error) {
	if err := domain.ValidateRoot(root); err != nil {
		return nil, err
	}
	if maxBackups < 1 {
		return nil, fmt.Errorf("max backups must be at least 1, got %d", maxBackups)
	}

	result := &RotateResult{Root: root, MaxBackups: maxBackups}

	oldest := BackupName(root, maxBackups)
	exists, err := Exists(ctx, r.Store, oldest)
	if err != nil {
		return result, err
	}
	if exists {
		if err := r.Deleter.Delete(ctx, oldest); err != nil {
			return result, fmt.Errorf("failed to evict %s: %w", oldest, err)
		}
		result.Actions = append(result.Actions, Action{Kind: ActionEvict, From: oldest})
		r.Logger.Info("evicted backup", "root", oldest)
	}

	for i := maxBackups - 1; i >= 1; i-- {
		src, dst := BackupName(root, i), BackupName(root, i+1)
		moved, err := r.move(ctx, src, dst)
		if err != nil {
			return result, err
		}
		if moved {
			result.Actions = append(result.Actions, Action{Kind: ActionShift, From: src, To: dst})
		}
	}

	newest := BackupName(root, 1)
	copied, err := r.copyValue(ctx, root, newest, nil)
	if err != nil {
		return result, err
	}
	if copied {
		result.Actions = append(result.Actions, Action{Kind: ActionBackup, From: root, To: newest})
		r.Logger.Info("backed up live root", "root", root, "backup", newest)
	} else {
		result.Actions = append(result.Actions, Action{Kind: ActionSkip, From: root})
		r.Logger.Info("live root absent, nothing to back up", "root", root)
	}
	return result, nil
}

// Copy replaces dst with a copy of src. A non-empty updateAt overrides the
// copied marker.
func (r *Rotator) Copy(ctx context.Context, src, dst, updateAt string) error {
	for _, name := range []string{src, dst} {
		if err := domain.ValidateRoot(name); err != nil {
			return err
		}
	}
	if src == dst {
		return fmt.Errorf("source and destination are both %s", src)
	}

	var override *string
	if updateAt != "" {
		override = &updateAt
	}
	if err := r.Deleter.Delete(ctx, dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	copied, err := r.copyValue(ctx, src, dst, override)
	if err != nil {
		return err
	}
	if !copied {
		return fmt.Errorf("%s: %w", src, store.ErrNotFound)
	}
	return nil
}

func (r *Rotator) move(ctx context.Context, src, dst string) (bool, error) {
	copied, err := r.copyValue(ctx, src, dst, nil)
	if err != nil || !copied {
		return false, err
	}
	if err := r.Deleter.Delete(ctx, src); err != nil {
		return false, fmt.Errorf("failed to remove %s after copy: %w", src, err)
	}
	return true, nil
}

// copyValue reads src whole and writes it whole to dst. When the store
// rejects the whole write as oversized, the value is written as one path
// per ticket through the bisecting writer instead.
func (r *Rotator) copyValue(ctx context.Context, src, dst string, updateAt *string) (bool, error) {
	v, err := r.Store.ReadSubtree(ctx, src)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", src, err)
	}
	if v == nil {
		return false, nil
	}

	value := store.AsMap(v)
	if updateAt != nil {
		value[domain.UpdateAtKey] = *updateAt
	}

	err = r.Writer.Retry(ctx, "write "+dst, func() error {
		return r.Store.WriteSubtree(ctx, dst, value)
	})
	if err == nil {
		return true, nil
	}
	if !store.IsOversize(err) {
		return false, fmt.Errorf("failed to write %s: %w", dst, err)
	}

	r.Logger.Info("root too large for one write, copying per ticket", "src", src, "dst", dst)
	updates := flattenRoot(value)
	if err := r.Writer.Write(ctx, dst, updates); err != nil {
		return false, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return true, nil
}

// flattenRoot expands a root value one level into its tickets so each
// ticket becomes its own path.
func flattenRoot(value map[string]any) map[string]any {
	updates := make(map[string]any, len(value))
	for k, v := range value {
		if k != domain.TicketsKey {
			updates[k] = v
			continue
		}
		for id, t := range store.AsMap(v) {
			updates[paths.JoinPath(domain.TicketsKey, id)] = t
		}
	}
	return updates
}
