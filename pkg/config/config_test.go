package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, SyncModeCRDT, c.Sync.Mode)
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
addr: 0.0.0.0:9999
log_level: debug
sync:
  mode: lww
batch:
  quiet: 150ms
auth:
  mode: static
  tokens:
    t-abc:
      id: u1
      name: Alice
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", c.Addr)
	assert.Equal(t, SyncModeLWW, c.Sync.Mode)
	assert.Equal(t, slog.LevelDebug, c.SlogLevel())
	assert.Equal(t, 150*time.Millisecond, c.Batch.Quiet)
	assert.Equal(t, AuthToken{ID: "u1", Name: "Alice"}, c.Auth.Tokens["t-abc"])

	// untouched keys keep their defaults
	assert.Equal(t, Default().Database, c.Database)
	assert.Equal(t, Default().Batch.Ceiling, c.Batch.Ceiling)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"sync mode": "sync:\n  mode: quantum\n",
		"auth mode": "auth:\n  mode: oauth\n",
		"log level": "log_level: loud\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
