package testutil

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/zyansaber/ticketsync/internal/store"
	"github.com/zyansaber/ticketsync/internal/store/sqlitestore"
)

// TempStore creates a file-backed tree in a temporary directory with the
// given limits and closes it when the test ends.
func TempStore(t *testing.T, limits sqlitestore.Limits) *sqlitestore.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "tree.db")
	s, err := sqlitestore.Open(dbPath, limits)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// Seed writes value at path with limits lifted, restoring them afterwards.
func Seed(t *testing.T, s *sqlitestore.Store, limits sqlitestore.Limits, path string, value any) {
	t.Helper()
	s.SetLimits(sqlitestore.Limits{})
	defer s.SetLimits(limits)
	if err := s.WriteSubtree(context.Background(), path, value); err != nil {
		t.Fatalf("Failed to seed %s: %v", path, err)
	}
}

// Read returns the subtree at path or fails the test.
func Read(t *testing.T, s store.Store, path string) any {
	t.Helper()
	v, err := s.ReadSubtree(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return v
}

// FlakyStore wraps a store and fails the first N multi-path updates with a
// transient error.
type FlakyStore struct {
	store.Store

	mu        sync.Mutex
	Failures  int
	Attempts  int
	Transient int
}

// MultiUpdate implements store.Store.
func (f *FlakyStore) MultiUpdate(ctx context.Context, base string, updates map[string]any) error {
	f.mu.Lock()
	f.Attempts++
	if f.Failures > 0 {
		f.Failures--
		f.Transient++
		f.mu.Unlock()
		return store.NewError(store.KindTransient, "update", base, store.ErrTransient)
	}
	f.mu.Unlock()
	return f.Store.MultiUpdate(ctx, base, updates)
}

// TempDir creates a temporary directory for testing
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// WriteFile writes content to a file in a temporary directory
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}

// AssertNoError asserts that an error is nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

// AssertError asserts that an error is not nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
}

// AssertEqual asserts that two comparable values are equal
func AssertEqual[T comparable](t *testing.T, expected, actual T) {
	t.Helper()
	if expected != actual {
		t.Fatalf("Expected %v, got %v", expected, actual)
	}
}

// AssertDeepEqual asserts that two values are deeply equal
func AssertDeepEqual(t *testing.T, expected, actual any) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Fatalf("Expected %#v, got %#v", expected, actual)
	}
}

// AssertStringContains asserts that a string contains a substring
func AssertStringContains(t *testing.T, str, substr string) {
	t.Helper()
	if !strings.Contains(str, substr) {
		t.Fatalf("Expected string to contain %q, got %q", substr, str)
	}
}
