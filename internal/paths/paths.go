// Package paths handles slash-separated store paths and the keys that make
// them up.
//
// Keys in the remote tree may not contain '.', '$', '#', '[', ']', '/' or
// ASCII control characters, and are limited to 768 bytes.
package paths

import (
	"fmt"
	"strings"
)

const maxKeyLen = 768

// SplitPath splits a path into segments
func SplitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinPath joins path segments, dropping empty ones.
func JoinPath(segments ...string) string {
	var parts []string
	for _, s := range segments {
		parts = append(parts, SplitPath(s)...)
	}
	return strings.Join(parts, "/")
}

// Clean normalizes a path: no leading, trailing or doubled slashes.
// The root of the tree is the empty string.
func Clean(path string) string {
	return strings.Join(SplitPath(path), "/")
}

// Parent returns the path one level up. The parent of a top-level key is "".
func Parent(path string) string {
	parts := SplitPath(path)
	if len(parts) <= 1 {
		return ""
	}
	return strings.Join(parts[:len(parts)-1], "/")
}

// Base returns the last segment of the path.
func Base(path string) string {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// IsWithin reports whether path equals root or lies beneath it.
func IsWithin(root, path string) bool {
	root, path = Clean(root), Clean(path)
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

// ValidateKey checks that a single key is usable in the remote tree.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("key exceeds maximum length of %d bytes", maxKeyLen)
	}
	for _, r := range key {
		if isForbidden(r) {
			return fmt.Errorf("invalid key %q: contains %q", key, r)
		}
	}
	return nil
}

// ValidatePath checks every segment of a non-empty path.
func ValidatePath(path string) error {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("path cannot be empty")
	}
	for _, p := range parts {
		if err := ValidateKey(p); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeKey maps an arbitrary identifier to a valid key.
// Forbidden characters become '_'; surrounding whitespace is trimmed.
func SanitizeKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("key cannot be empty")
	}

	var b strings.Builder
	for _, r := range s {
		if isForbidden(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	if len(s) > maxKeyLen {
		return "", fmt.Errorf("key exceeds maximum length of %d bytes", maxKeyLen)
	}
	return s, nil
}

func isForbidden(r rune) bool {
	switch r {
	case '.', '$', '#', '[', ']', '/':
		return true
	}
	return r < 0x20 || r == 0x7f
}
