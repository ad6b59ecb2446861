// Package log is a thin facade over log/slog shared by the daemon and the
// CLI. It emits JSON-formatted records to stdout so that output can be
// consumed both by humans and by log collectors.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger *slog.Logger
	mu     sync.RWMutex
)

// ParseLevel converts a string log level to a slog.Level.
// Valid values are "debug", "info", "warn", "error"; anything else
// falls back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes or reinitializes the logger with the specified level.
// It may be called again at runtime (e.g. after a config reload) and
// replaces any previously configured instance.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// get returns the configured logger, lazily creating an info-level one when
// Init has not been called yet.
func get() *slog.Logger {
	mu.RLock()
	if logger != nil {
		defer mu.RUnlock()
		return logger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return logger
}

// With returns a logger carrying the given key/value attributes on every
// record it emits.
func With(args ...any) *slog.Logger { return get().With(args...) }

// Debug logs a message at Debug level.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs a message at Info level.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs a message at Warn level.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs a message at Error level.
func Error(msg string, args ...any) { get().Error(msg, args...) }

// Fatalf logs a formatted message at Error level and exits the process.
// Reserved for unrecoverable startup errors.
func Fatalf(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
