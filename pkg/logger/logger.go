// Package logger provides structured logging for doorbell on top of log/slog.
// Call sites pass a map of fields rather than variadic key/value pairs so that
// log lines stay greppable and field names stay consistent across packages.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync/atomic"
	"time"
)

// Fields holds structured key/value pairs attached to a log line.
type Fields map[string]any

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New(os.Stderr))
}

// New returns a text logger writing to w at INFO level.
func New(w io.Writer) *slog.Logger {
	return NewWithOptions(w, slog.LevelInfo, false)
}

// NewWithOptions returns a logger writing to w at the given level,
// using the JSON handler when asJSON is set.
func NewWithOptions(w io.Writer, level slog.Level, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogger replaces the package-level logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
}

// Logger returns the package-level logger.
func Logger() *slog.Logger {
	return current.Load()
}

// ParseLevel maps a flag value (debug, info, warn, error) to a slog level.
// Unknown values fall back to INFO.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Debug logs at DEBUG level.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, 3, msg, fields)
}

// Info logs at INFO level.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, 3, msg, fields)
}

// Warn logs at WARN level.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, 3, msg, fields)
}

// Error logs at ERROR level with err attached as the "error" field.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	merged := make(Fields, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	log(ctx, slog.LevelError, 3, msg, merged)
}

// LogAt logs at an explicit level. skip is the number of additional stack
// frames to skip when attributing the source location.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	log(context.Background(), level, 3+skip, msg, fields)
}

func log(ctx context.Context, level slog.Level, skip int, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := current.Load()
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])

	// Sorted so that repeated log lines diff cleanly.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}
