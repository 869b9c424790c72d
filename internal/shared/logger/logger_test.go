package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewZapLogger(t *testing.T) {
	t.Run("creates with default config", func(t *testing.T) {
		l, err := NewZapLogger(nil)
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("writes json entries", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l, err := NewZapLogger(&Config{Level: "debug", Format: "json", Output: buf})
		require.NoError(t, err)

		l.Named("payment").Info("payment completed", zap.String("payment_id", "p-1"))
		require.NoError(t, l.Sync())

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "payment completed", entry["msg"])
		assert.Equal(t, "payment", entry["logger"])
		assert.Equal(t, "p-1", entry["payment_id"])
		assert.Equal(t, "info", entry["level"])
	})

	t.Run("creates text format logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l, err := NewZapLogger(&Config{Level: "info", Format: "text", Output: buf})
		require.NoError(t, err)

		l.Info("test message")
		output := buf.String()
		assert.Contains(t, output, "test message")
		assert.False(t, strings.HasPrefix(output, "{"))
	})

	t.Run("drops entries below the level", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l, err := NewZapLogger(&Config{Level: "warn", Output: buf})
		require.NoError(t, err)

		l.Info("quiet")
		assert.Empty(t, buf.String())
		l.Warn("loud")
		assert.Contains(t, buf.String(), "loud")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "debug"},
		{"DEBUG", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"warning", "warn"},
		{"error", "error"},
		{"unknown", "info"},
		{"", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input).String())
		})
	}
}

func TestContext(t *testing.T) {
	t.Run("ContextWithLogger and FromContext", func(t *testing.T) {
		l := zap.NewExample()
		ctx := ContextWithLogger(context.Background(), l)
		assert.Same(t, l, FromContext(ctx))
	})

	t.Run("FromContext returns a no-op logger when not set", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
	})
}
