package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "trace", want: LevelTrace},
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "fatal", want: slog.LevelError},
		{input: "", want: slog.LevelInfo},
		{input: "verbose", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLogLevel(tt.input); got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, path, err := New(&console, "warn", "", time.Now())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if path != "" {
		t.Errorf("New() path = %q, want none", path)
	}

	logger.Info("hidden")
	logger.Warn("shown", "archive", "patch.mpq")

	out := console.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("console output contains message below level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "patch.mpq") {
		t.Errorf("console output = %q, want warning with attributes", out)
	}
}

func TestNew_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	now := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

	var console bytes.Buffer
	logger, path, err := New(&console, "debug", dir, now)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	want := filepath.Join(dir, "mpqkit_20240309_140506.log")
	if path != want {
		t.Errorf("New() path = %q, want %q", path, want)
	}

	logger.Debug("opened archive", "files", 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("log file is not JSON: %v (%q)", err, data)
	}
	if rec["msg"] != "opened archive" || rec["files"] != float64(3) {
		t.Errorf("log record = %v", rec)
	}
	if !strings.Contains(console.String(), "opened archive") {
		t.Errorf("console output = %q, want the record too", console.String())
	}
}
