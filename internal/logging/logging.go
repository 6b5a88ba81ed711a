// Package logging provides the application-wide structured logging setup.
// All services log through slog; file-backed loggers rotate via lumberjack.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	initOnce      sync.Once
	defaultLogger *slog.Logger
	defaultLevel  = new(slog.LevelVar)
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// RotationSettings controls lumberjack rotation for file loggers.
type RotationSettings struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

var (
	rotationMu sync.RWMutex
	rotation   = RotationSettings{MaxSizeMB: 100, MaxAgeDays: 28, MaxBackups: 3}
)

// SetRotation replaces the rotation settings used by subsequently created
// file loggers. Zero fields keep their defaults.
func SetRotation(s RotationSettings) {
	rotationMu.Lock()
	defer rotationMu.Unlock()
	if s.MaxSizeMB > 0 {
		rotation.MaxSizeMB = s.MaxSizeMB
	}
	if s.MaxAgeDays > 0 {
		rotation.MaxAgeDays = s.MaxAgeDays
	}
	if s.MaxBackups > 0 {
		rotation.MaxBackups = s.MaxBackups
	}
}

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		if label, ok := levelNames[level]; ok {
			a.Value = slog.StringValue(label)
		}
	}
	return a
}

// Init configures the process-wide default logger: JSON on stdout with the
// custom TRACE and FATAL level names. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       defaultLevel,
			ReplaceAttr: replaceLevelName,
		})
		defaultLogger = slog.New(handler)
		slog.SetDefault(defaultLogger)
	})
}

// SetLevel adjusts the minimum level of the default logger at runtime.
func SetLevel(level slog.Level) {
	defaultLevel.Set(level)
}

// Structured returns the process-wide structured logger, or nil before Init.
func Structured() *slog.Logger {
	return defaultLogger
}

// ForService returns a logger scoped with a service attribute. Callers that
// may run before Init get the slog default rather than nil.
func ForService(serviceName string) *slog.Logger {
	if defaultLogger == nil {
		return slog.Default().With("service", serviceName)
	}
	return defaultLogger.With("service", serviceName)
}

// Debug logs a debug message using the default logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs at the custom FATAL level and exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs at the custom TRACE level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// NewFileLogger returns a JSON slog logger writing to filePath through a
// rotating writer, tagged with the service attribute. The returned close
// function releases the underlying writer.
func NewFileLogger(filePath, serviceName string, level slog.Leveler) (*slog.Logger, func() error, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	rotationMu.RLock()
	rot := rotation
	rotationMu.RUnlock()

	writer := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rot.MaxSizeMB,
		MaxAge:     rot.MaxAgeDays,
		MaxBackups: rot.MaxBackups,
		Compress:   false,
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	})
	logger := slog.New(handler).With("service", serviceName)

	return logger, writer.Close, nil
}
