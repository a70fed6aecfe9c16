// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zyansaber/ticketsync/internal/config"
)

// Logger wraps a slog.Logger together with the rotating file behind it.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New builds a logger writing to stderr and, when cfg.LogFile is set, to a
// size-rotated file as well.
func New(cfg *config.Config) (*Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit console writer.
func NewWithWriter(cfg *config.Config, console io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	l := &Logger{}
	out := console
	if cfg.LogFile != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(console, l.file)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	l.Logger = slog.New(h)
	return l, nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
