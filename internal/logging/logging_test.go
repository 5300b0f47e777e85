package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warning ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Debug().Msg("hidden")
	log.Info().Str("job", "report").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "report", entry["job"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New(Config{Format: "console", Output: &buf})
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, level := New(Config{Level: "chatty", Format: "json", Output: &buf})
	assert.Equal(t, zerolog.InfoLevel, level.Get())
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestLevel_SetAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	log, level := New(Config{Level: "warn", Format: "json", Output: &buf})

	log.Info().Msg("before")
	assert.Empty(t, buf.String())

	require.NoError(t, level.Set("debug"))
	log.Debug().Msg("after")
	assert.Contains(t, buf.String(), "after")

	assert.Error(t, level.Set("nonsense"))
	assert.Equal(t, zerolog.DebugLevel, level.Get())
}
