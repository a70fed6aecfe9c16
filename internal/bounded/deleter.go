package bounded

import (
	"context"
	"fmt"

	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

// DefaultChunkSize is the number of children nulled per outer chunk.
const DefaultChunkSize = 1000

// Deleter removes subtrees of any size.
type Deleter struct {
	Writer    *Writer
	ChunkSize int

	stats DeleterStats
}

// DeleterStats counts the deleter's work.
type DeleterStats struct {
	Direct    int
	Fallbacks int
	Listings  int
	Children  int
}

// NewDeleter creates a deleter sharing w's store and retry settings.
func NewDeleter(w *Writer) *Deleter {
	return &Deleter{Writer: w}
}

// Stats returns a copy of the counters.
func (d *Deleter) Stats() DeleterStats {
	return d.stats
}

// Delete removes path and everything beneath it. A direct delete is tried
// first; on an oversize rejection the children are nulled in bounded
// batches and the emptied container is removed last.
func (d *Deleter) Delete(ctx context.Context, path string) error {
	path = paths.Clean(path)
	if path == "" {
		return fmt.Errorf("refusing to delete the tree root")
	}
	s := d.Writer.Store

	d.stats.Direct++
	err := d.Writer.Retry(ctx, "delete "+path, func() error {
		return s.DeleteSubtree(ctx, path)
	})
	if err == nil || store.KindOf(err) == store.KindNotFound {
		return nil
	}
	if !store.IsOversize(err) {
		return err
	}

	d.stats.Fallbacks++
	d.stats.Listings++
	var listing store.Listing
	err = d.Writer.Retry(ctx, "list "+path, func() error {
		var lerr error
		listing, lerr = s.ShallowList(ctx, path)
		return lerr
	})
	if err != nil {
		return err
	}

	if listing.Empty() {
		// Nothing to descend into; the earlier rejection was the last word.
		return d.Writer.Retry(ctx, "delete "+path, func() error {
			return s.DeleteSubtree(ctx, path)
		})
	}

	d.Writer.logger().Info("subtree too large for one delete, removing children",
		"path", path, "children", len(listing.Keys))
	if err := d.DeleteChildren(ctx, path, listing.Keys); err != nil {
		return err
	}

	err = d.Writer.Retry(ctx, "delete "+path, func() error {
		return s.DeleteSubtree(ctx, path)
	})
	if err != nil && store.KindOf(err) != store.KindNotFound {
		d.Writer.logger().Warn("final container delete failed", "path", path, "error", err)
	}
	return nil
}

// DeleteChildren removes parent/<key> for every key, in outer chunks of
// ChunkSize. Each chunk is nulled through the bisecting writer; a single
// child still rejected is deleted recursively.
func (d *Deleter) DeleteChildren(ctx context.Context, parent string, keys []string) error {
	chunk := d.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	descend := func(ctx context.Context, full string, _ error) error {
		return d.Delete(ctx, full)
	}

	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))
		entries := make([]entry, 0, end-start)
		for _, k := range keys[start:end] {
			entries = append(entries, entry{path: k})
		}
		if err := d.Writer.write(ctx, parent, entries, 1, descend); err != nil {
			return fmt.Errorf("deleting children of %s: %w", parent, err)
		}
		d.stats.Children += len(entries)
	}
	return nil
}
