package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/activity-workflow/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := New(buf, config.LogConfig{Level: "warn", Format: "json"})
		logger.Info("dropped")
		logger.Warn("kept", "workflow", "w1")

		line := map[string]any{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "kept", line["msg"])
		assert.Equal(t, "w1", line["workflow"])
	})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := New(buf, config.LogConfig{Level: "debug", Format: "text"})
		logger.Debug("activity is running")
		assert.Contains(t, buf.String(), "activity is running")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
