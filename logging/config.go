package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment variables
func GetConfigFromEnv() Config {
	return ApplyEnv(DefaultConfig)
}

// ApplyEnv overlays LOG_LEVEL, LOG_FORMAT, ENVIRONMENT and LOG_ADD_SOURCE on config.
func ApplyEnv(config Config) Config {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}

	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	switch config.Environment {
	case EnvProduction:
		if config.Format == "" {
			config.Format = "json"
		}
		if config.Level == "" {
			config.Level = "info"
		}

	case EnvTest, EnvDevelopment:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
	}

	return config
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

const (
	LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)
	LevelFatal CustomLevel = CustomLevel(slog.LevelError + 4)
)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelFatal:
		return "FATAL"
	default:
		return slog.Level(l).String()
	}
}

// Fatal logs at fatal level and exits the program
func Fatal(msg string, attrs ...slog.Attr) {
	Default().Log(context.Background(), slog.Level(LevelFatal), msg, attrsToArgs(attrs)...)
	os.Exit(1)
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// NewDynamicLevelVar creates a new dynamic level variable
func NewDynamicLevelVar(initialLevel slog.Level) *DynamicLevelVar {
	levelVar := &slog.LevelVar{}
	levelVar.Set(initialLevel)
	return &DynamicLevelVar{LevelVar: levelVar}
}

// SetFromString sets the level from a string representation
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "trace":
		d.Set(slog.Level(LevelTrace))
	case "debug":
		d.Set(slog.LevelDebug)
	case "info":
		d.Set(slog.LevelInfo)
	case "warn", "warning":
		d.Set(slog.LevelWarn)
	case "error":
		d.Set(slog.LevelError)
	case "fatal":
		d.Set(slog.Level(LevelFatal))
	default:
		return false
	}
	return true
}

// NewLoggerWithDynamicLevel creates a logger whose level can be changed through
// the returned DynamicLevelVar. The initial level comes from config.Level.
func NewLoggerWithDynamicLevel(w io.Writer, config Config) (*Logger, *DynamicLevelVar) {
	levelVar := NewDynamicLevelVar(ParseLevel(config.Level))
	logger := &Logger{Logger: slog.New(newHandler(w, config, levelVar.LevelVar))}
	return logger, levelVar
}
