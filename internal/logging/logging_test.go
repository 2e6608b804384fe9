package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestTurnLoggerSummary(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	turn := StartTurn(base, "t-1", "user-7")
	turn.Fragment(2)
	turn.Fragment(6)
	turn.Finish(nil)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "t-1", entry["thread_id"])
	assert.Equal(t, "user-7", entry["resource_id"])
	assert.Equal(t, float64(2), entry["fragments"])
	assert.Equal(t, float64(8), entry["bytes"])
	assert.Equal(t, "info", entry["level"])
}

func TestTurnLoggerFailure(t *testing.T) {
	var buf bytes.Buffer
	turn := StartTurn(zerolog.New(&buf), "t-2", "r")
	turn.Finish(errors.New("model unavailable"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "model unavailable", entry["error"])
}
