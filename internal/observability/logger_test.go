package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/probelab/scenarist/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (s *syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("should emit JSON records in json format", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf syncBuffer
		Initialize(config.LoggerConfig{Level: "debug", Format: "json"}, zapcore.AddSync(&buf))

		GetLogger().Info("hello from test")
		require.NoError(t, GetLogger().Sync())

		out := buf.String()
		assert.Contains(t, out, `"msg":"hello from test"`)
		assert.Contains(t, out, `"INFO"`)
	})

	t.Run("should honor the configured level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf syncBuffer
		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))

		GetLogger().Info("suppressed")
		GetLogger().Warn("visible")
		require.NoError(t, GetLogger().Sync())

		out := buf.String()
		assert.NotContains(t, out, "suppressed")
		assert.Contains(t, out, "visible")
	})

	t.Run("should fall back to info on an invalid level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf syncBuffer
		Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&buf))

		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		require.NoError(t, GetLogger().Sync())

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown")
	})

	t.Run("should initialize only once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var first, second syncBuffer
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&second))

		GetLogger().Info("routed")
		require.NoError(t, GetLogger().Sync())

		assert.Contains(t, first.String(), "routed")
		assert.Zero(t, second.Len())
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.True(t, strings.HasSuffix(logger.Name(), "fallback"))
}
