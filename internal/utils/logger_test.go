package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ConfigureLoggingOutput(&buf, level, "json")
	t.Cleanup(func() { ConfigureLogging("info", "json") })
	return &buf
}

func TestLogger_StructuredFields(t *testing.T) {
	buf := captureLogs(t, "info")

	NewLogger("ledger").Info("Charge applied", "user_id", "u1", "amount", "2.50")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "ledger", entry["component"])
	assert.Equal(t, "Charge applied", entry["message"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "2.50", entry["amount"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := captureLogs(t, "warn")
	logger := NewLogger("gate")

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown too")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	logger.SetLogLevel(Debug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_OddKeyvalsDropTrailingKey(t *testing.T) {
	buf := captureLogs(t, "info")

	NewLogger("x").Info("msg", "user_id", "u1", "dangling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "u1", entry["user_id"])
	_, found := entry["dangling"]
	assert.False(t, found)
}

func TestNopLogger(t *testing.T) {
	buf := captureLogs(t, "debug")
	NewNopLogger().Error("nothing")
	assert.Empty(t, buf.String())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLogLevel("DEBUG"))
	assert.Equal(t, Warning, ParseLogLevel("warning"))
	assert.Equal(t, Error, ParseLogLevel(" error "))
	assert.Equal(t, Info, ParseLogLevel("bogus"))
}
