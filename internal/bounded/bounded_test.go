package bounded

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"testing"
	"time"

	"github.com/zyansaber/ticketsync/internal/store"
	"github.com/zyansaber/ticketsync/internal/store/sqlitestore"
	"github.com/zyansaber/ticketsync/internal/testutil"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newWriter(s store.Store) *Writer {
	return &Writer{Store: s, MaxRetries: 3, BaseDelay: time.Millisecond, Sleep: noSleep}
}

func depthBound(n int) int {
	if n <= 1 {
		return 1
	}
	// ceil(log2 n) + 1
	return bits.Len(uint(n-1)) + 1
}

func TestWriterConvergesUnderLimits(t *testing.T) {
	tests := []struct {
		name    string
		entries int
		limits  sqlitestore.Limits
	}{
		{"fits", 10, sqlitestore.Limits{}},
		{"path limit", 100, sqlitestore.Limits{MaxPaths: 7}},
		{"byte limit", 64, sqlitestore.Limits{MaxWriteBytes: 400}},
		{"both", 257, sqlitestore.Limits{MaxPaths: 16, MaxWriteBytes: 900}},
		{"single path", 33, sqlitestore.Limits{MaxPaths: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.TempStore(t, tt.limits)
			w := newWriter(s)

			updates := make(map[string]any, tt.entries)
			for i := 0; i < tt.entries; i++ {
				updates[fmt.Sprintf("tickets/%04d/base", i)] = map[string]any{"S": fmt.Sprintf("s%d", i)}
			}
			if err := w.Write(context.Background(), "root", updates); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			got := store.AsMap(testutil.Read(t, s, "root/tickets"))
			if len(got) != tt.entries {
				t.Fatalf("stored %d tickets, want %d", len(got), tt.entries)
			}
			for i := 0; i < tt.entries; i++ {
				tk := got[fmt.Sprintf("%04d", i)].(map[string]any)
				if tk["base"].(map[string]any)["S"] != fmt.Sprintf("s%d", i) {
					t.Errorf("ticket %d = %v", i, tk)
				}
			}
			if d, bound := w.Stats().MaxDepth, depthBound(tt.entries); d > bound {
				t.Errorf("MaxDepth = %d, exceeds bound %d", d, bound)
			}
		})
	}
}

func TestWriterAppliesNulls(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	testutil.Seed(t, s, sqlitestore.Limits{}, "r", map[string]any{"a": "1", "b": "2", "c": "3"})
	s.SetLimits(sqlitestore.Limits{MaxPaths: 1})

	w := newWriter(s)
	if err := w.Write(ctx, "r", map[string]any{"a": nil, "b": "two", "d": "4"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertDeepEqual(t, map[string]any{"b": "two", "c": "3", "d": "4"}, testutil.Read(t, s, "r"))
}

func TestWriterDepthOnOversizeChain(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{MaxPaths: 1})
	w := newWriter(s)
	for _, n := range []int{2, 3, 8, 9, 100} {
		w.ResetStats()
		updates := make(map[string]any, n)
		for i := 0; i < n; i++ {
			updates[fmt.Sprintf("k%03d", i)] = float64(i)
		}
		if err := w.Write(context.Background(), fmt.Sprintf("r%d", n), updates); err != nil {
			t.Fatal(err)
		}
		want := int(math.Ceil(math.Log2(float64(n)))) + 1
		if got := w.Stats().MaxDepth; got != want {
			t.Errorf("n=%d: MaxDepth = %d, want %d", n, got, want)
		}
	}
}

func TestWriterIndivisibleEntry(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{MaxWriteBytes: 200})
	w := newWriter(s)

	err := w.Write(context.Background(), "r", map[string]any{
		"small": "ok",
		"huge":  strings.Repeat("x", 500),
	})
	var ie *IndivisibleError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IndivisibleError", err)
	}
	if ie.Path != "r/huge" {
		t.Errorf("Path = %q, want r/huge", ie.Path)
	}
	if !store.IsOversize(err) {
		t.Error("IndivisibleError should unwrap to an oversize error")
	}
	// The sibling half is written before the failing half is reached only
	// when it sorts first; "huge" sorts before "small", so nothing landed.
	if v := testutil.Read(t, s, "r/small"); v != nil {
		t.Errorf("r/small = %v", v)
	}
}

func TestWriterRetriesTransient(t *testing.T) {
	base := testutil.TempStore(t, sqlitestore.Limits{})
	flaky := &testutil.FlakyStore{Store: base, Failures: 2}

	var waits []time.Duration
	w := &Writer{
		Store:      flaky,
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}
	if err := w.Write(context.Background(), "r", map[string]any{"a": "1"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	testutil.AssertDeepEqual(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
	testutil.AssertEqual(t, 3, flaky.Attempts)
	testutil.AssertEqual(t, 2, w.Stats().Retries)
}

func TestWriterRetryBudget(t *testing.T) {
	base := testutil.TempStore(t, sqlitestore.Limits{})
	flaky := &testutil.FlakyStore{Store: base, Failures: 10}
	w := newWriter(flaky)

	err := w.Write(context.Background(), "r", map[string]any{"a": "1"})
	if !store.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	testutil.AssertEqual(t, 4, flaky.Attempts)
}

func TestWriterStopsOnPermanent(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	w := newWriter(s)
	err := w.Write(context.Background(), "r", map[string]any{"a": "1", "a/b": "2"})
	if err == nil || store.IsOversize(err) || store.IsTransient(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	testutil.AssertEqual(t, 1, w.Stats().Calls)
}

func buildTree(fanout []int) (map[string]any, int) {
	if len(fanout) == 0 {
		return nil, 1
	}
	m := make(map[string]any, fanout[0])
	total := 0
	for i := 0; i < fanout[0]; i++ {
		child, n := buildTree(fanout[1:])
		key := fmt.Sprintf("c%03d", i)
		if child == nil {
			m[key] = fmt.Sprintf("leaf-%d", i)
		} else {
			m[key] = child
		}
		total += n
	}
	return m, total
}

func TestDeleterRemovesEverything(t *testing.T) {
	tests := []struct {
		name   string
		fanout []int
		limit  int
		chunk  int
	}{
		{"small", []int{3}, 10, 0},
		{"wide", []int{200}, 17, 0},
		{"deep", []int{4, 4, 4, 4}, 5, 0},
		{"one fat child", []int{1, 60}, 7, 0},
		{"chunked", []int{50, 3}, 20, 8},
		{"limit one", []int{3, 3}, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, leaves := buildTree(tt.fanout)
			limits := sqlitestore.Limits{MaxDeleteNodes: tt.limit}
			s := testutil.TempStore(t, limits)
			testutil.Seed(t, s, limits, "root/victim", tree)
			testutil.Seed(t, s, limits, "root/keep", "stay")

			d := &Deleter{Writer: newWriter(s), ChunkSize: tt.chunk}
			if err := d.Delete(context.Background(), "root/victim"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			listing, err := s.ShallowList(context.Background(), "root/victim")
			testutil.AssertNoError(t, err)
			if listing.Exists {
				t.Errorf("subtree of %d leaves still has keys %v", leaves, listing.Keys)
			}
			testutil.AssertEqual[any](t, "stay", testutil.Read(t, s, "root/keep"))
			if leaves > tt.limit && d.Stats().Fallbacks == 0 {
				t.Error("expected at least one fallback")
			}
		})
	}
}

func TestDeleterAbsentPath(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{MaxDeleteNodes: 1})
	d := NewDeleter(newWriter(s))
	testutil.AssertNoError(t, d.Delete(context.Background(), "nothing/here"))
}

func TestDeleterRefusesTreeRoot(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	d := NewDeleter(newWriter(s))
	testutil.AssertError(t, d.Delete(context.Background(), "/"))
}

func TestDeleteChildrenLeavesSiblings(t *testing.T) {
	limits := sqlitestore.Limits{MaxDeleteNodes: 4}
	s := testutil.TempStore(t, limits)
	tree, _ := buildTree([]int{10, 2})
	testutil.Seed(t, s, limits, "r/tickets", tree)

	d := NewDeleter(newWriter(s))
	if err := d.DeleteChildren(context.Background(), "r/tickets", []string{"c001", "c003", "c005"}); err != nil {
		t.Fatal(err)
	}
	listing, err := s.ShallowList(context.Background(), "r/tickets")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 7, len(listing.Keys))
	for _, k := range listing.Keys {
		if k == "c001" || k == "c003" || k == "c005" {
			t.Errorf("child %s not deleted", k)
		}
	}
}
