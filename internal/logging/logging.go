package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// LevelTrace is below debug and reports per-sector detail
const LevelTrace = slog.LevelDebug - 4

// Setup configures the global slog logger
// Console output goes to stderr so listings on stdout stay pipeable.
// If logOutputDir is non-empty, logs are also written to a timestamped file in that directory
func Setup(levelStr string, logOutputDir string) error {
	logger, path, err := New(os.Stderr, levelStr, logOutputDir, time.Now())
	if err != nil {
		return err
	}

	slog.SetDefault(logger)
	if path != "" {
		fmt.Fprintf(os.Stderr, "Logging to file: %s\n", path)
	}
	return nil
}

// New builds a logger writing to console and, if logOutputDir is set, to a
// JSON log file named after now. It returns the log file path, if any
func New(console io.Writer, levelStr string, logOutputDir string, now time.Time) (*slog.Logger, string, error) {
	level := parseLogLevel(levelStr)

	consoleHandler := tint.NewHandler(console, &tint.Options{Level: level})

	if logOutputDir == "" {
		return slog.New(consoleHandler), "", nil
	}

	logDir := os.ExpandEnv(logOutputDir)

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log output directory: %w", err)
	}

	logFileName := fmt.Sprintf("mpqkit_%s.log", now.Format("20060102_150405"))
	logFilePath := filepath.Join(logDir, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level})

	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler)), logFilePath, nil
}

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
