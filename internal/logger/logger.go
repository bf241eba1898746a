// Package logger is the process-wide structured logger.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger    *zap.SugaredLogger
	loggerMu  sync.RWMutex
	debugMode bool
)

func init() {
	logger = build(false)
}

func build(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// SetDebugMode switches between the production and development encoders.
func SetDebugMode(enabled bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	debugMode = enabled

	_ = logger.Sync()
	logger = build(enabled)
}

// SetLevel applies a textual level ("debug", "info", "warn", "error").
// Unknown values fall back to info.
func SetLevel(level string) {
	switch level {
	case "debug":
		SetDebugMode(true)
	default:
		SetDebugMode(false)
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return
		}
		loggerMu.Lock()
		logger = logger.Desugar().WithOptions(zap.IncreaseLevel(lvl)).Sugar()
		loggerMu.Unlock()
	}
}

// IsDebugMode reports whether debug logging is on.
func IsDebugMode() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return debugMode
}

func current() *zap.SugaredLogger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return l
}

// Debug logs at debug level with alternating key/value pairs.
func Debug(msg string, keysAndValues ...any) {
	current().Debugw(msg, keysAndValues...)
}

// Info logs at info level.
func Info(msg string, keysAndValues ...any) {
	current().Infow(msg, keysAndValues...)
}

// Warn logs at warn level.
func Warn(msg string, keysAndValues ...any) {
	current().Warnw(msg, keysAndValues...)
}

// Error logs at error level.
func Error(msg string, keysAndValues ...any) {
	current().Errorw(msg, keysAndValues...)
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = current().Sync()
}
