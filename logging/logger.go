// Package logging provides structured logging for the sync server on top of log/slog.
package logging

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/c0deZ3R0/go-doc-sync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"addSource"`    // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // development, production, test
}

// DefaultConfig is used when the global logger is first touched without Init.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

var defaultLogger *Logger

// Operation names the unit of work a log line belongs to.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component names the subsystem emitting a log line.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.Level(LevelTrace)
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

func newHandler(w io.Writer, config Config, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	if config.Format == "text" || (config.Format == "" && config.Environment == EnvDevelopment) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// NewLogger creates a new logger writing to stdout with the provided configuration
func NewLogger(config Config) *Logger {
	return NewLoggerWithWriter(os.Stdout, config)
}

// NewLoggerWithWriter creates a logger that writes to w.
func NewLoggerWithWriter(w io.Writer, config Config) *Logger {
	return &Logger{Logger: slog.New(newHandler(w, config, ParseLevel(config.Level)))}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(LevelFatal)}))}
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// SetDefault installs l as the global logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithAttrs creates a child logger carrying attrs on every record.
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return &Logger{Logger: l.With(args...)}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	var syncErr *errors.SyncError
	if stderrors.As(err, &syncErr) {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	pc, file, line, ok := runtime.Caller(1)
	if ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
			slog.Bool("success", false),
		)
		return err
	}

	opLogger.InfoContext(ctx, "operation completed",
		slog.Duration("duration", duration),
		slog.Bool("success", true),
	)

	return nil
}

func attrsToArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

// Convenience methods that use the default logger
func Debug(msg string, attrs ...slog.Attr) {
	Default().Debug(msg, attrsToArgs(attrs)...)
}

func Info(msg string, attrs ...slog.Attr) {
	Default().Info(msg, attrsToArgs(attrs)...)
}

func Warn(msg string, attrs ...slog.Attr) {
	Default().Warn(msg, attrsToArgs(attrs)...)
}

func Error(msg string, attrs ...slog.Attr) {
	Default().Error(msg, attrsToArgs(attrs)...)
}

func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}

func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}

func WithOperation(op Operation) *Logger {
	return Default().WithOperation(op)
}
