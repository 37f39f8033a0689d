// Package slogadapters bridges log/slog to the lending.Logger interface and
// configures colored structured logging with tint.
//
// Usage:
//
//	logger := slogadapters.Setup()                          // level from LOG_LEVEL env
//	logger := slogadapters.SetupWithLevel(slog.LevelDebug)  // explicit level override
//
// Environment variables:
//
//	LOG_LEVEL: debug, info, warn, error (default: info)
package slogadapters

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bibliocirc/lending-engine-go/lending"
)

// SlogLogger adapts a *slog.Logger to the lending.Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

var _ lending.Logger = SlogLogger{}

// NewSlogLogger wraps an existing *slog.Logger.
func NewSlogLogger(logger *slog.Logger) SlogLogger {
	return SlogLogger{logger: logger}
}

// Debug logs at debug level.
func (l SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level.
func (l SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level.
func (l SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level.
func (l SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// Setup installs a colored tint handler as the slog default at the level
// specified by the LOG_LEVEL env var and returns it wrapped as a
// lending.Logger.
func Setup() SlogLogger {
	return SetupWithLevel(levelFromEnv())
}

// SetupWithLevel installs a colored tint handler at the given level.
func SetupWithLevel(level slog.Level) SlogLogger {
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			AddSource:  true,
		}),
	)
	slog.SetDefault(logger)

	return NewSlogLogger(logger)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
