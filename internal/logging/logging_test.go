package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zyansaber/ticketsync/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONToConsoleAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sync.log")
	cfg := config.Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "debug"
	cfg.LogFile = file

	var console bytes.Buffer
	l, err := NewWithWriter(cfg, &console)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("flush", "paths", 3)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	var rec map[string]any
	if err := json.Unmarshal(console.Bytes(), &rec); err != nil {
		t.Fatalf("console line is not JSON: %q", console.String())
	}
	if rec["msg"] != "flush" || rec["paths"] != 3.0 {
		t.Errorf("record = %v", rec)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"flush"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestLevelFilters(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	var console bytes.Buffer
	l, err := NewWithWriter(cfg, &console)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("quiet")
	l.Warn("loud")
	if strings.Contains(console.String(), "quiet") || !strings.Contains(console.String(), "loud") {
		t.Errorf("output = %q", console.String())
	}
}

func TestUnknownFormat(t *testing.T) {
	cfg := config.Default()
	cfg.LogFormat = "xml"
	if _, err := NewWithWriter(cfg, &bytes.Buffer{}); err == nil {
		t.Error("expected error")
	}
}
