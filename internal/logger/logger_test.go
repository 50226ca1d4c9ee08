package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_NoopBeforeInit(t *testing.T) {
	Global = nil
	l := Get()
	require.NotNil(t, l)
	l.Info().Msg("discarded")
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	l, err := New("debug", path)
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())

	l, err = New("nonsense", "")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestWithSession(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, zerolog.InfoLevel).WithSession("alice").WithComponent("crawler")
	l.Info().Int64("channel_id", 7).Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "alice", line["session"])
	assert.Equal(t, "crawler", line["component"])
	assert.Equal(t, float64(7), line["channel_id"])
}
