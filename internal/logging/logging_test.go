package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"fatal", LevelFatal},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestSetupJSONFormat(t *testing.T) {
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogLevel, "debug")

	var buf bytes.Buffer
	logger := Setup(&buf)
	logger.Info("hello", "build-id", "b1")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	assert.False(t, strings.Contains(line, "\n"), "JSON record must be a single line")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "b1", rec["build-id"])
	ts, ok := rec["time"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(ts, "Z"), "timestamp must be UTC: %s", ts)
}

func TestSetupTextFormat(t *testing.T) {
	t.Setenv(EnvLogFormat, "text")
	t.Setenv(EnvLogLevel, "info")

	var buf bytes.Buffer
	logger := Setup(&buf)
	logger.Debug("hidden")
	logger.Info("shown", "job-id", "deploy")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "job-id=deploy")
}
