package logging

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// NewDefaultLogger creates a logger with default configuration using zap
func NewDefaultLogger() Logger {
	logger, err := NewZapLogger(DefaultLogConfig())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default zap logger: %v", err))
	}
	return logger
}

// NewNopLogger returns a logger that discards everything. Components fall
// back to it when constructed without a logger.
func NewNopLogger() Logger {
	return &ZapAdapter{logger: zap.NewNop()}
}

// InitGlobalLogger installs a global zap logger at the given level writing to
// output (stderr when nil).
func InitGlobalLogger(level string, output io.Writer) Logger {
	parsed := ParseLevel(level)

	logger, err := NewZapLogger(LogConfig{
		Level:      parsed,
		Output:     output,
		TimeFormat: time.RFC3339,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	SetGlobalLogger(logger)
	logger.Debug("Logger initialized", String("level", parsed.String()))
	return logger
}

// MustSync flushes any buffered log entries for zap loggers
// This should be called before application exit
func MustSync() {
	if zapLogger, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = zapLogger.Sync()
	}
}

// WithFields is a convenience function to add fields to the global logger
func WithFields(fields ...Field) Logger {
	return GetGlobalLogger().WithFields(fields...)
}

// OrNop returns logger, or a nop logger when it is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return NewNopLogger()
	}
	return logger
}

// Err creates an error field with key "error"
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
