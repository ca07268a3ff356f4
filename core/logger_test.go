package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLoggerWithOutput(&buf)

	logger.Info("task started", map[string]interface{}{"run_id": "run-1", "attempt": 2})
	logger.Error("task failed", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "task started", first["message"])
	assert.Equal(t, "run-1", first["run_id"])
	assert.Equal(t, float64(2), first["attempt"])
	assert.NotEmpty(t, first["timestamp"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "error", second["level"])
}

func TestJSONLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLoggerWithOutput(&buf).WithComponent("orchestrator")

	logger.Debug("worker started", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "debug", entry["level"])
}

func TestJSONLoggerUnmarshalableFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLoggerWithOutput(&buf)

	logger.Warn("odd payload", map[string]interface{}{"fn": func() {}})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "odd payload", entry["message"])
	assert.NotContains(t, entry, "fn")
}
