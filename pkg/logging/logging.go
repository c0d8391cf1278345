// Package logging provides a thin wrapper around zap with a package-level
// logger, so protocol code can log without threading a logger through every
// struct.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the behavior of the package-level logger.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "console" or "json"
}

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init builds the package-level logger from config. Safe to call more than
// once; the last call wins.
func Init(config *Config) error {
	if config == nil {
		config = &Config{Level: "info", Format: "console"}
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var zapConfig zap.Config
	switch config.Format {
	case "json":
		zapConfig = zap.NewProductionConfig()
	case "console", "":
		zapConfig = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("invalid log format %q", config.Format)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	l, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// Logger returns the current package-level logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes any buffered log entries.
func Sync() error {
	return Logger().Sync()
}

// Debug logs a message at debug level.
func Debug(msg string, fields ...zap.Field) {
	Logger().Debug(msg, fields...)
}

// Info logs a message at info level.
func Info(msg string, fields ...zap.Field) {
	Logger().Info(msg, fields...)
}

// Warn logs a message at warn level.
func Warn(msg string, fields ...zap.Field) {
	Logger().Warn(msg, fields...)
}

// Error logs a message at error level.
func Error(msg string, fields ...zap.Field) {
	Logger().Error(msg, fields...)
}

// Fatal logs a message at fatal level, then exits.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
}
