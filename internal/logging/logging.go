// Package logging provides structured logging for the history cache daemon.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("syncer")
//	log.Info("sync pass finished", "values", 1200)
//
// Component loggers may be created at package init time: they resolve the
// global handler on every record, so a later Init still applies to them.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	return current.Load()
}

// ParseLevel maps a config level name to a slog level.
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
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("shmem")
//	log.Warn("arena exhausted") // Output: time=... level=WARN msg="arena exhausted" component=shmem
func Component(name string) *slog.Logger {
	return With("component", name)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if worker, ok := ctx.Value(contextKeyWorker).(int); ok {
		logger = logger.With("worker", worker)
	}
	if pass, ok := ctx.Value(contextKeyPass).(uint64); ok {
		logger = logger.With("pass", pass)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyWorker contextKey = iota
	contextKeyPass
)

// ContextWithWorker adds a synchronizer worker number to the context for logging.
func ContextWithWorker(ctx context.Context, worker int) context.Context {
	return context.WithValue(ctx, contextKeyWorker, worker)
}

// ContextWithPass adds a sync pass sequence number to the context for logging.
func ContextWithPass(ctx context.Context, pass uint64) context.Context {
	return context.WithValue(ctx, contextKeyPass, pass)
}

// deferredHandler forwards records to whatever handler is global at the time
// of the call, replaying the attrs and groups it was derived with.
type deferredHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	out := current.Load().Handler()
	for _, op := range h.ops {
		out = op(out)
	}
	return out
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return current.Load().Handler().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *deferredHandler) derive(op func(slog.Handler) slog.Handler) *deferredHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &deferredHandler{ops: append(ops, op)}
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
