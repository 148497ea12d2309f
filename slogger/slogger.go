// Package slogger provides the structured logging surface used across the
// lattica client. Components accept a Logger and fall back to DefaultLogger,
// which discards everything; callers opt in to output by installing a real
// logger, typically via New or through a context with WithLogger.
package slogger

import (
	"context"
	"strings"
)

// DefaultLogger is used by components that were not given a logger.
var DefaultLogger = NewDevNullLogger()

// Logger is the structured logging interface. It is deliberately small so it
// can be backed by slog, zerolog or a test recorder.
type Logger interface {
	// Debug logs a message at debug level with optional key-value pairs
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at info level with optional key-value pairs
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at warn level with optional key-value pairs
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at error level with optional key-value pairs
	Error(msg string, keysAndValues ...any)

	// With returns a new Logger with the given key-value pairs bound
	With(keysAndValues ...any) Logger
}

type contextKey string

const loggerKey contextKey = "lattica.logger"

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger carried by the context, or a new default-level
// logger when none is present.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return New(DefaultLogLevel)
	}
	logger, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		return New(DefaultLogLevel)
	}
	return logger
}

// LevelFromString converts a string to a LogLevel.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLogLevel
	}
}
