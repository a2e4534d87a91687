package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerToWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(Config{Level: "debug", Format: "json"}, &buf), "monitor")

	logger.Debug().Str("entity_id", "ABC123456XY").Msg("check started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "monitor", entry["component"])
	require.Equal(t, "ABC123456XY", entry["entity_id"])
	require.Equal(t, "debug", entry["level"])
}

func TestNewLoggerToDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "nonsense"}, &buf)

	logger.Debug().Msg("hidden")
	require.Zero(t, buf.Len())

	logger.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}
