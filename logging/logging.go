// Package logging configures the structured logger shared by every package.
//
// The agent talks ACP over stdout, so log output goes to a file or is
// discarded; it is never written to stdout.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Logger is the process-wide logger. It discards output until Initialize runs.
var Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// DebugEnv forces debug logging when set to "1".
const DebugEnv = "CLAUDE_ACP_DEBUG"

// Initialize sets up Logger. With debug off everything is discarded. With
// debug on a JSON log is written to a new uuid-named file in dir, keeping at
// most maxLogFiles files there. The returned path is empty when logs are
// discarded.
func Initialize(debug bool, dir string, maxLogFiles int) (string, error) {
	if os.Getenv(DebugEnv) == "1" {
		debug = true
	}
	if !debug {
		Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		slog.SetDefault(Logger)
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	if maxLogFiles > 0 {
		if err := rotateLogs(dir, maxLogFiles); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
		}
	}

	logFilePath := filepath.Join(dir, fmt.Sprintf("%s.log", uuid.New().String()))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create log file: %w", err)
	}

	Logger = slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(Logger)
	Logger.Info("Debug logging initialized", "log_file", logFilePath)
	return logFilePath, nil
}

// Or returns l, or Logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger
}

// rotateLogs removes the oldest log files so that, with the file about to be
// created, dir holds at most maxLogFiles of them.
func rotateLogs(dir string, maxLogFiles int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	type logFileInfo struct {
		path    string
		modTime time.Time
	}
	var logFiles []logFileInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logFiles = append(logFiles, logFileInfo{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	if len(logFiles) < maxLogFiles {
		return nil
	}

	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].modTime.Before(logFiles[j].modTime)
	})
	numToDelete := len(logFiles) - maxLogFiles + 1
	for i := 0; i < numToDelete && i < len(logFiles); i++ {
		if err := os.Remove(logFiles[i].path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to delete old log file %s: %v\n", logFiles[i].path, err)
		}
	}
	return nil
}
