package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", "text", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNew_InvalidFormat(t *testing.T) {
	_, err := New("info", "xml", nil)
	require.Error(t, err)
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)

	logger.With("cpu", 1).Info("process_forked", "pid", 3, "name", "sh")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "process_forked", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, float64(3), entry["pid"])
	assert.Equal(t, "sh", entry["name"])
	assert.Equal(t, float64(1), entry["cpu"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "text", &buf)
	require.NoError(t, err)

	logger.Debug("queue_transferred")
	logger.Info("kernel_booted")
	assert.Empty(t, buf.String())

	logger.Error("kernel_panic", "op", "sched")
	assert.True(t, strings.Contains(buf.String(), "kernel_panic"))
	assert.True(t, strings.Contains(buf.String(), "op=sched"))
}

func TestFields_OddArguments(t *testing.T) {
	f := fields([]any{"pid", 1, "dangling"})
	assert.Equal(t, 1, f["pid"])
	assert.Equal(t, "dangling", f["!BADKEY"])
}
