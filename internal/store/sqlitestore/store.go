package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

// Limits bounds a single operation. Zero means unlimited.
type Limits struct {
	// MaxPaths caps the number of entries in one MultiUpdate.
	MaxPaths int
	// MaxWriteBytes caps the JSON-encoded size of one write.
	MaxWriteBytes int
	// MaxDeleteNodes caps the number of leaves one delete may remove,
	// whether by DeleteSubtree or by a nil entry in MultiUpdate.
	MaxDeleteNodes int
}

// Stats counts operations seen by the store.
type Stats struct {
	MultiUpdates  int
	Writes        int
	Deletes       int
	Reads         int
	Listings      int
	Rejected      int
	LargestUpdate int
}

// Store is a SQLite-backed hierarchical tree.
type Store struct {
	db     *sql.DB
	path   string
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	stats Stats
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the tree at dbPath. Use MemoryPath for a
// throwaway tree.
func Open(dbPath string, limits Limits) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: dbPath, limits: limits, now: time.Now}, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// SetLimits replaces the enforced limits.
func (s *Store) SetLimits(limits Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = limits
}

// Stats returns a copy of the operation counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) record(fn func(st *Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Store) reject(op, p string, format string, args ...any) error {
	s.record(func(st *Stats) { st.Rejected++ })
	return store.NewError(store.KindOversize, op, p, fmt.Errorf(format, args...))
}

// MultiUpdate implements store.Store.
func (s *Store) MultiUpdate(ctx context.Context, base string, updates map[string]any) error {
	base = paths.Clean(base)
	if len(updates) == 0 {
		return nil
	}
	s.record(func(st *Stats) {
		st.MultiUpdates++
		if len(updates) > st.LargestUpdate {
			st.LargestUpdate = len(updates)
		}
	})

	if s.limits.MaxPaths > 0 && len(updates) > s.limits.MaxPaths {
		return s.reject("update", base, "%d paths exceeds limit of %d", len(updates), s.limits.MaxPaths)
	}
	if err := s.checkSize("update", base, updates); err != nil {
		return err
	}

	full := make(map[string]any, len(updates))
	for rel, v := range updates {
		p := paths.JoinPath(base, rel)
		if p == "" {
			return store.NewError(store.KindPermanent, "update", base, fmt.Errorf("empty update path"))
		}
		full[p] = v
	}
	if err := checkOverlap(full); err != nil {
		return store.NewError(store.KindPermanent, "update", base, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.limits.MaxDeleteNodes > 0 {
		removed := 0
		for p, v := range full {
			if !isEmpty(v) {
				continue
			}
			n, err := countRange(ctx, tx, p)
			if err != nil {
				return err
			}
			removed += n
		}
		if removed > s.limits.MaxDeleteNodes {
			return s.reject("update", base, "deleting %d nodes exceeds limit of %d", removed, s.limits.MaxDeleteNodes)
		}
	}

	for _, p := range store.SortedKeys(full) {
		if err := s.set(ctx, tx, p, full[p]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ShallowList implements store.Store.
func (s *Store) ShallowList(ctx context.Context, p string) (store.Listing, error) {
	p = paths.Clean(p)
	s.record(func(st *Stats) { st.Listings++ })

	rows, err := queryRange(ctx, s.db, "SELECT path FROM nodes", p)
	if err != nil {
		return store.Listing{}, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var listing store.Listing
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return store.Listing{}, fmt.Errorf("failed to scan node: %w", err)
		}
		listing.Exists = true
		if full == p {
			listing.Leaf = true
			continue
		}
		rest := strings.TrimPrefix(full, prefixOf(p))
		key, _, _ := strings.Cut(rest, "/")
		seen[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return store.Listing{}, fmt.Errorf("error iterating nodes: %w", err)
	}
	if !listing.Leaf {
		listing.Keys = store.SortedKeys(seen)
	}
	return listing, nil
}

// ReadSubtree implements store.Store.
func (s *Store) ReadSubtree(ctx context.Context, p string) (any, error) {
	p = paths.Clean(p)
	s.record(func(st *Stats) { st.Reads++ })

	rows, err := queryRange(ctx, s.db, "SELECT path, value FROM nodes", p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var root map[string]any
	for rows.Next() {
		var full, raw string
		if err := rows.Scan(&full, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("corrupt value at %q: %w", full, err)
		}
		if full == p {
			return v, nil
		}
		if root == nil {
			root = make(map[string]any)
		}
		insert(root, paths.SplitPath(strings.TrimPrefix(full, prefixOf(p))), v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	if root == nil {
		return nil, nil
	}
	return arrayify(root), nil
}

// DeleteSubtree implements store.Store.
func (s *Store) DeleteSubtree(ctx context.Context, p string) error {
	p = paths.Clean(p)
	s.record(func(st *Stats) { st.Deletes++ })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := countRange(ctx, tx, p)
	if err != nil {
		return err
	}
	if s.limits.MaxDeleteNodes > 0 && n > s.limits.MaxDeleteNodes {
		return s.reject("delete", p, "deleting %d nodes exceeds limit of %d", n, s.limits.MaxDeleteNodes)
	}
	if err := deleteRange(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteSubtree implements store.Store.
func (s *Store) WriteSubtree(ctx context.Context, p string, value any) error {
	p = paths.Clean(p)
	s.record(func(st *Stats) { st.Writes++ })

	if err := s.checkSize("set", p, value); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.set(ctx, tx, p, value); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) checkSize(op, p string, v any) error {
	if s.limits.MaxWriteBytes <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return store.NewError(store.KindPermanent, op, p, err)
	}
	if len(data) > s.limits.MaxWriteBytes {
		return s.reject(op, p, "%d bytes exceeds limit of %d", len(data), s.limits.MaxWriteBytes)
	}
	return nil
}

// set replaces the value at p: the old subtree and any scalar ancestor are
// removed before the new leaves go in.
func (s *Store) set(ctx context.Context, tx *sql.Tx, p string, v any) error {
	leaves := make(map[string]string)
	if err := flatten(p, v, s.now().UnixMilli(), leaves); err != nil {
		return store.NewError(store.KindPermanent, "set", p, err)
	}
	if _, ok := leaves[""]; ok {
		return store.NewError(store.KindPermanent, "set", p, fmt.Errorf("cannot store a scalar at the tree root"))
	}

	if err := deleteRange(ctx, tx, p); err != nil {
		return err
	}
	if len(leaves) > 0 {
		parts := paths.SplitPath(p)
		for i := 1; i < len(parts); i++ {
			ancestor := strings.Join(parts[:i], "/")
			if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE path = ?", ancestor); err != nil {
				return fmt.Errorf("failed to clear ancestor %q: %w", ancestor, err)
			}
		}
	}

	for _, leaf := range store.SortedKeys(leaves) {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO nodes (path, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ','now'))",
			leaf, leaves[leaf])
		if err != nil {
			return fmt.Errorf("failed to insert %q: %w", leaf, err)
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rangeClause selects p and its descendants. '0' sorts right after '/', so
// [p+"/", p+"0") covers exactly the paths beneath p.
func rangeClause(p string) (string, []any) {
	if p == "" {
		return "", nil
	}
	return " WHERE path = ? OR (path >= ? AND path < ?)", []any{p, p + "/", p + "0"}
}

func queryRange(ctx context.Context, q querier, selectSQL, p string) (*sql.Rows, error) {
	where, args := rangeClause(p)
	rows, err := q.QueryContext(ctx, selectSQL+where+" ORDER BY path", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", p, err)
	}
	return rows, nil
}

func countRange(ctx context.Context, q querier, p string) (int, error) {
	where, args := rangeClause(p)
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", p, err)
	}
	return n, nil
}

func deleteRange(ctx context.Context, tx *sql.Tx, p string) error {
	where, args := rangeClause(p)
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes"+where, args...); err != nil {
		return fmt.Errorf("failed to delete %q: %w", p, err)
	}
	return nil
}

func prefixOf(p string) string {
	if p == "" {
		return ""
	}
	return p + "/"
}

// checkOverlap rejects updates where one path is an ancestor of another.
func checkOverlap(full map[string]any) error {
	for p := range full {
		parts := paths.SplitPath(p)
		for i := 1; i < len(parts); i++ {
			ancestor := strings.Join(parts[:i], "/")
			if _, ok := full[ancestor]; ok {
				return fmt.Errorf("path %q is an ancestor of %q", ancestor, p)
			}
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func flatten(prefix string, v any, ts int64, out map[string]string) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if store.IsServerTimestamp(t) {
			out[prefix] = strconv.FormatInt(ts, 10)
			return nil
		}
		for k, child := range t {
			if err := paths.ValidateKey(k); err != nil {
				return err
			}
			if err := flatten(paths.JoinPath(prefix, k), child, ts, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range t {
			if err := flatten(paths.JoinPath(prefix, strconv.Itoa(i)), child, ts, out); err != nil {
				return err
			}
		}
		return nil
	case string, bool, float64, float32, int, int32, int64, json.Number:
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		out[prefix] = string(data)
		return nil
	default:
		// Structs and typed maps go through their JSON form.
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		return flatten(prefix, generic, ts, out)
	}
}

func insert(root map[string]any, parts []string, v any) {
	node := root
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = v
			return
		}
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
}

// arrayify mirrors the remote tree's encoding: a map whose keys are all
// canonical non-negative integers, more than half of them populated, comes
// back as a list with nil holes.
func arrayify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = arrayify(child)
	}

	maxIdx := -1
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || strconv.Itoa(n) != k {
			return m
		}
		if n > maxIdx {
			maxIdx = n
		}
	}
	if maxIdx < 0 || len(m)*2 <= maxIdx+1 {
		return m
	}

	list := make([]any, maxIdx+1)
	for k, child := range m {
		n, _ := strconv.Atoi(k)
		list[n] = child
	}
	return list
}
