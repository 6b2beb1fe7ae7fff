package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Level: "debug", Format: "JSON"}.Validate())

	err := Config{Level: "loud", Format: "xml"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
	assert.Contains(t, err.Error(), "xml")
}

func TestNewJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "core.log")
	logger, closer, err := New(Config{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "component", "pool")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "pool", rec["component"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNewDiscard(t *testing.T) {
	logger, closer, err := New(Config{Output: "discard"})
	require.NoError(t, err)
	logger.Error("nowhere")
	assert.NoError(t, closer.Close())
}
