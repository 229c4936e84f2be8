// Package logging configures the zap logger shared by all hmcentral
// packages.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	logger  = zap.NewNop()
	sugared = logger.Sugar()
)

// Initialize replaces the package logger with a console logger at
// level. An empty level means info.
func Initialize(level string) error {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "", "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	Replace(l)
	return nil
}

// Replace installs l as the package logger and returns a function
// restoring the previous one. Tests use it with zaptest/observer.
func Replace(l *zap.Logger) (restore func()) {
	mu.Lock()
	defer mu.Unlock()
	prev := logger
	logger = l
	sugared = l.Sugar()
	return func() { Replace(prev) }
}

// L returns the package logger.
func L() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

// Named returns a child of the package logger, e.g. for one device.
func Named(name string) *zap.SugaredLogger {
	return L().Named(name)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}
