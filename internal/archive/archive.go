// Package archive keeps compressed copies of daily progress summaries
// outside the tree, in a local directory or an S3 bucket.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Extension is appended to every archived object name.
const Extension = ".json.zst"

// Sink stores one named object.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// Archiver compresses values and hands them to a sink.
type Archiver struct {
	sink   Sink
	level  zstd.EncoderLevel
	logger *slog.Logger
}

// New creates an archiver. level is a zstd level (1-22); zero means the
// library default.
func New(sink Sink, level int, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	lvl := zstd.SpeedDefault
	if level > 0 {
		lvl = zstd.EncoderLevelFromZstd(level)
	}
	return &Archiver{sink: sink, level: lvl, logger: logger}
}

// Name returns the object name for a summary of root produced at t.
func Name(root string, t time.Time, runID string) string {
	stamp := t.UTC().Format("20060102T150405Z")
	if runID == "" {
		return fmt.Sprintf("%s/%s%s", root, stamp, Extension)
	}
	return fmt.Sprintf("%s/%s-%s%s", root, stamp, runID, Extension)
}

// Put encodes v as JSON, compresses it and stores it under name.
func (a *Archiver) Put(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(a.level))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	defer enc.Close()
	packed := enc.EncodeAll(data, nil)

	if err := a.sink.Put(ctx, name, packed); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	a.logger.Info("archived summary", "name", name, "bytes", len(data), "compressed", len(packed))
	return nil
}

// Get loads name and decodes it into v.
func (a *Archiver) Get(ctx context.Context, name string, v any) error {
	packed, err := a.sink.Get(ctx, name)
	if err != nil {
		return err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(packed, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress %s: %w", name, err)
	}
	return json.Unmarshal(data, v)
}

// DirSink writes objects as files beneath Dir.
type DirSink struct {
	Dir string
}

func (d DirSink) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(d.Dir, clean), nil
}

// Put implements Sink.
func (d DirSink) Put(_ context.Context, name string, data []byte) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Get implements Sink.
func (d DirSink) Get(_ context.Context, name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}
