// Package store defines the contract for the remote hierarchical key/value
// tree that tickets are synchronized into.
//
// Paths are slash-separated and relative to the tree root. Values are the
// JSON data model: map[string]any, []any, string, float64, bool, or nil.
// Writing nil (or an empty map) to a path removes it.
package store

import (
	"context"
	"sort"
	"strconv"
)

// Store is a handle to one hierarchical tree. Implementations must be safe
// for sequential use by one synchronization run; concurrent runs against the
// same root are not supported.
type Store interface {
	// MultiUpdate applies every relative path in updates beneath base in one
	// atomic call. A nil value removes the path. Implementations return an
	// error of KindOversize when the call exceeds a size or path-count limit.
	MultiUpdate(ctx context.Context, base string, updates map[string]any) error

	// ShallowList returns the immediate child keys of path without values.
	ShallowList(ctx context.Context, path string) (Listing, error)

	// ReadSubtree returns the whole value at path, or nil when absent.
	ReadSubtree(ctx context.Context, path string) (any, error)

	// DeleteSubtree removes path and everything below it. Deleting an absent
	// path is not an error.
	DeleteSubtree(ctx context.Context, path string) error

	// WriteSubtree replaces the value at path.
	WriteSubtree(ctx context.Context, path string, value any) error

	// Close releases the handle.
	Close() error
}

// Listing is the result of a shallow read.
type Listing struct {
	// Exists is false when nothing is stored at the path.
	Exists bool
	// Leaf is true when the path holds a scalar rather than a container.
	Leaf bool
	// Keys holds the immediate child keys in sorted order.
	Keys []string
}

// Empty reports whether the listing has no children to descend into.
func (l Listing) Empty() bool {
	return !l.Exists || l.Leaf || len(l.Keys) == 0
}

// ServerTimestamp returns the placeholder the store replaces with its own
// write time (milliseconds since the epoch).
func ServerTimestamp() map[string]any {
	return map[string]any{".sv": "timestamp"}
}

// IsServerTimestamp reports whether v is the server timestamp placeholder.
func IsServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	s, ok := m[".sv"].(string)
	return ok && s == "timestamp"
}

// AsMap normalizes a stored container to an identifier-keyed map.
//
// The remote tree encodes maps whose keys are small dense integers as
// sparse arrays, so a tickets map may come back as a list with nil holes.
// List elements are keyed by their index; nil holes are dropped. Scalars
// and nil produce an empty map.
func AsMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		out := make(map[string]any, len(t))
		for i, item := range t {
			if item == nil {
				continue
			}
			out[strconv.Itoa(i)] = item
		}
		return out
	default:
		return map[string]any{}
	}
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
