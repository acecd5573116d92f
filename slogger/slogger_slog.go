package slogger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var DefaultLogLevel = LevelInfo

// LogLevel represents the minimum log level
type LogLevel slog.Level

// Available log levels
const (
	LevelDebug LogLevel = LogLevel(slog.LevelDebug)
	LevelInfo  LogLevel = LogLevel(slog.LevelInfo)
	LevelWarn  LogLevel = LogLevel(slog.LevelWarn)
	LevelError LogLevel = LogLevel(slog.LevelError)
)

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Slogger implements the Logger interface using slog. The level is held in
// a LevelVar so it can be adjusted at runtime, e.g. on config reload.
type Slogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// Option configures a Slogger.
type Option func(*options)

type options struct {
	level  LogLevel
	format Format
	output io.Writer
}

// WithLevel sets the minimum level logged.
func WithLevel(level LogLevel) Option {
	return func(o *options) { o.level = level }
}

// WithFormat selects text or JSON output.
func WithFormat(format Format) Option {
	return func(o *options) { o.format = format }
}

// WithOutput directs log output to the given writer.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// New returns a new Slogger. By default it writes colorized text to stdout
// at info level, disabling color when stdout is not a terminal.
func New(opts ...Option) *Slogger {
	o := &options{
		level:  DefaultLogLevel,
		format: FormatText,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}

	level := &slog.LevelVar{}
	level.Set(slog.Level(o.level))

	var handler slog.Handler
	if o.format == FormatJSON {
		handler = slog.NewJSONHandler(o.output, &slog.HandlerOptions{Level: level})
	} else {
		noColor := true
		if f, ok := o.output.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}
		handler = tint.NewHandler(o.output, &tint.Options{
			NoColor:    noColor,
			TimeFormat: time.Kitchen,
			Level:      level,
		})
	}
	return &Slogger{
		logger: slog.New(handler),
		level:  level,
	}
}

// SetLevel adjusts the minimum level at runtime. Loggers derived with With
// share the handler and follow the change.
func (l *Slogger) SetLevel(level LogLevel) {
	if l.level != nil {
		l.level.Set(slog.Level(level))
	}
}

func (l *Slogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) With(keysAndValues ...any) Logger {
	return &Slogger{logger: l.logger.With(keysAndValues...), level: l.level}
}

func withCaller(keysAndValues ...any) []any {
	const callerSkip = 2 // Skip withCaller and the logging function
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		caller := formatCaller(file, line)
		return append([]any{"caller", caller}, keysAndValues...)
	}
	return keysAndValues
}

func formatCaller(file string, line int) string {
	// Take the last two path components for readability
	parts := strings.Split(file, "/")
	switch len(parts) {
	case 0:
		return "unknown"
	case 1:
		return fmt.Sprintf("%s:%d", parts[0], line)
	default:
		return fmt.Sprintf("%s/%s:%d",
			parts[len(parts)-2],
			parts[len(parts)-1],
			line)
	}
}
