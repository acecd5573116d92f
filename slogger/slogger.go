// Package slogger provides the structured logging capability used across
// the engine. Components receive a Logger by injection; nothing logs
// through package-level state.
package slogger

import (
	"context"
	"strings"
)

// DefaultLogger is used when a component is constructed without a logger.
var DefaultLogger = NewDevNullLogger()

// Logger is the logging interface handed to components. It supports
// structured key-value logging and is compatible in shape with slog.
type Logger interface {
	// Debug logs a message at debug level with optional key-value pairs
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at info level with optional key-value pairs
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at warn level with optional key-value pairs
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at error level with optional key-value pairs
	Error(msg string, keysAndValues ...any)

	// With returns a new Logger with the given key-value pairs added to
	// every entry
	With(keysAndValues ...any) Logger
}

type contextKey string

const loggerKey contextKey = "weave.logger"

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger carried by the context, or DefaultLogger when the
// context has none.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return DefaultLogger
	}
	logger, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		return DefaultLogger
	}
	return logger
}

// LevelFromString converts a string to a LogLevel, defaulting to
// DefaultLogLevel for unrecognized values.
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

// FormatFromString converts a string to an output Format, defaulting to
// text for unrecognized values.
func FormatFromString(format string) Format {
	if strings.EqualFold(format, "json") {
		return FormatJSON
	}
	return FormatText
}
