package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("TELEGRAM_FETCH_WITH", "")
	t.Setenv("SESSIONS_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, RunDaemon, cfg.RunMode)
	assert.Equal(t, 1000, cfg.QueueBatchSize)
	assert.Equal(t, time.Second, cfg.QueueFillTimeout)
	assert.Equal(t, 10, cfg.QueueCapacityFactor)
	assert.Equal(t, 4*7*24*time.Hour, cfg.GroupLookback)
	assert.Empty(t, cfg.Sessions)
}

func TestConfig_SessionsFromEnv(t *testing.T) {
	t.Setenv("TG_API_ID", "12345")
	t.Setenv("TG_API_HASH", "hash")
	t.Setenv("TELEGRAM_FETCH_WITH", "alice, bob")
	t.Setenv("TELEGRAM_SESSION_STRING__alice", "sa")
	t.Setenv("TELEGRAM_SESSION_STRING__bob", "sb")
	t.Setenv("TELEGRAM_FETCH_FULL", "-1001, 42")
	t.Setenv("QUEUE_FILL_TIMEOUT", "2.5")
	t.Setenv("IDLE_BACKOFF", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Sessions, 2)
	assert.Equal(t, Session{Name: "alice", SessionString: "sa"}, cfg.Sessions[0])
	assert.Equal(t, "bob", cfg.Sessions[1].Name)
	assert.Equal(t, []int64{-1001, 42}, cfg.FetchFull)
	assert.True(t, cfg.FetchFullSet()[42])
	assert.Equal(t, 2500*time.Millisecond, cfg.QueueFillTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.IdleBackoff)
	assert.Equal(t, 2.0, cfg.SessionRPS(cfg.Sessions[0]))
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"STORE_BACKEND": "mongo"}},
		{name: "bad run mode", env: map[string]string{"RUN_MODE": "sometimes"}},
		{name: "missing session string", env: map[string]string{
			"TG_API_ID": "1", "TG_API_HASH": "h", "TELEGRAM_FETCH_WITH": "ghost",
		}},
		{name: "sessions without api credentials", env: map[string]string{
			"TG_API_ID": "", "TELEGRAM_FETCH_WITH": "alice", "TELEGRAM_SESSION_STRING__alice": "s",
		}},
		{name: "bad fetch full", env: map[string]string{"TELEGRAM_FETCH_FULL": "abc"}},
		{name: "zero batch", env: map[string]string{"QUEUE_BATCH_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadSessionsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sessions:
  - name: alice
    session_string: "abc"
    rps: 1.5
  - name: bob
    session_string: "def"
`), 0o600))

	t.Setenv("SESSIONS_FILE", path)
	t.Setenv("TG_API_ID", "1")
	t.Setenv("TG_API_HASH", "h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Sessions, 2)
	assert.Equal(t, 1.5, cfg.SessionRPS(cfg.Sessions[0]))
	assert.Equal(t, 2.0, cfg.SessionRPS(cfg.Sessions[1]))

	_, err = ParseSessions([]byte("sessions:\n  - name: x\n"))
	assert.Error(t, err)
}
