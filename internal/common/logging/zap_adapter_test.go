package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level LogLevel) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: level, Output: &buf, TimeFormat: time.RFC3339})
	require.NoError(t, err)
	return logger, &buf
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestZapAdapter(t *testing.T) {
	t.Run("basic logging", func(t *testing.T) {
		logger, buf := newBufferLogger(t, DebugLevel)

		logger.Debug("debug message", Field{"key", "value"})
		logger.Info("info message", Field{"count", 42})
		logger.Warn("warn message", Field{"enabled", true})
		logger.Error("error message", errors.New("test error"), Field{"code", "ERR123"})

		output := buf.String()
		assert.Contains(t, output, "DEBUG")
		assert.Contains(t, output, "debug message")
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "info message")
		assert.Contains(t, output, "WARN")
		assert.Contains(t, output, "warn message")
		assert.Contains(t, output, "ERROR")
		assert.Contains(t, output, "error message")
		assert.Contains(t, output, "test error")
	})

	t.Run("level filtering", func(t *testing.T) {
		logger, buf := newBufferLogger(t, WarnLevel)

		logger.Debug("hidden debug")
		logger.Info("hidden info")
		logger.Warn("visible warn")

		output := buf.String()
		assert.NotContains(t, output, "hidden")
		assert.Contains(t, output, "visible warn")
	})

	t.Run("with fields", func(t *testing.T) {
		logger, buf := newBufferLogger(t, InfoLevel)

		logger = logger.WithFields(
			Field{"component", "token-manager"},
			Field{"backoff", 5 * time.Second},
		)
		logger.Info("test message", String("state", "valid"))

		output := buf.String()
		assert.Contains(t, output, "component")
		assert.Contains(t, output, "token-manager")
		assert.Contains(t, output, "backoff")
		assert.Contains(t, output, "state")
		assert.Contains(t, output, "valid")
	})

	t.Run("with fields empty returns same logger", func(t *testing.T) {
		logger, _ := newBufferLogger(t, InfoLevel)
		assert.Same(t, logger, logger.WithFields())
	})

	t.Run("with context carries correlation id", func(t *testing.T) {
		logger, buf := newBufferLogger(t, InfoLevel)

		ctx := WithCorrelationID(context.Background(), "corr-42")
		logger.WithContext(ctx).Info("dispatching")

		output := buf.String()
		assert.Contains(t, output, "correlation_id")
		assert.Contains(t, output, "corr-42")
	})

	t.Run("with context without values returns same logger", func(t *testing.T) {
		logger, _ := newBufferLogger(t, InfoLevel)
		assert.Same(t, logger, logger.WithContext(context.Background()))
	})

	t.Run("prefix", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Output: &buf, Prefix: "epayment"})
		require.NoError(t, err)

		logger.Info("named")
		assert.Contains(t, buf.String(), "epayment")
	})
}

func TestCorrelationID(t *testing.T) {
	_, ok := CorrelationID(context.Background())
	assert.False(t, ok)

	_, ok = CorrelationID(WithCorrelationID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := CorrelationID(WithCorrelationID(context.Background(), "abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Debug("x")
		logger.Info("x")
		logger.Warn("x")
		logger.Error("x", errors.New("y"))
		logger.WithFields(String("a", "b")).Info("x")
	})

	assert.NotNil(t, OrNop(nil))
	assert.Same(t, logger, OrNop(logger))
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	var buf bytes.Buffer
	InitGlobalLogger("debug", &buf)

	Info("global info", Int("n", 1))
	Warn("global warn")
	Error("global error", errors.New("bad"))
	WithFields(String("k", "v")).Debug("global debug")

	output := buf.String()
	assert.Contains(t, output, "global info")
	assert.Contains(t, output, "global warn")
	assert.Contains(t, output, "global error")
	assert.Contains(t, output, "global debug")
}

func TestLogger_Concurrency(t *testing.T) {
	logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Output: io.Discard})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.WithFields(Int("worker", n)).Info("tick")
		}(i)
	}
	wg.Wait()
}
