package observability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// CrashRecord is written for every recovered panic.
type CrashRecord struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordCrash writes rec as <kind>-<unixms>.json under dir and returns the
// file path.
func RecordCrash(dir string, rec CrashRecord) (string, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.Kind == "" {
		rec.Kind = "crash"
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("observability: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("observability: marshal crash: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", rec.Kind, rec.Timestamp.UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("observability: write crash: %w", err)
	}
	return path, nil
}

// Recovered logs and records a recovered panic value. Callers invoke it from
// their own deferred recover.
func Recovered(logger *slog.Logger, dir, source string, v any) {
	if logger == nil {
		logger = slog.Default()
	}
	stack := string(debug.Stack())
	logger.Error("panic recovered", "source", source, "panic", v, "stack", stack)
	path, err := RecordCrash(dir, CrashRecord{
		Kind:    "crash",
		Source:  source,
		Message: fmt.Sprint(v),
		Stack:   stack,
	})
	if err != nil {
		logger.Error("observability: crash record failed", "error", err)
		return
	}
	logger.Warn("observability: crash recorded", "path", path)
}

// Guard runs fn and turns a panic into a log line and a crash record. The
// caller keeps running.
func Guard(logger *slog.Logger, dir, source string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			Recovered(logger, dir, source, v)
		}
	}()
	fn()
}
