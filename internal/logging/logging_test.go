package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("run accepted", zap.String("run_id", "r1"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run accepted", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Contains(t, entry, "ts")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Debug("stage finished")
	assert.Contains(t, buf.String(), "stage finished")
	assert.Contains(t, buf.String(), "debug")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Level: "loud", Format: "json"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Level: "info", Format: "xml"}.Validate(), ErrInvalidConfig)

	_, err := New(Config{Level: "nope", Format: "json"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
