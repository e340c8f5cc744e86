package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.True(t, cfg.Encryption.Hardware.EnableAESNI)
	assert.Equal(t, "filesystem", cfg.Backend.Provider)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, 20, cfg.RateLimit.MaxCreates)
	assert.Contains(t, cfg.Audit.RedactMetadataKeys, "*passphrase*")
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
server:
  addr: ":9090"
backend:
  provider: "s3"
  region: "us-east-1"
  bucket: "safemonk-blobs"
rate_limit:
  max_creates: 5
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "s3", cfg.Backend.Provider)
	assert.Equal(t, "us-east-1", cfg.Backend.Region)
	assert.Equal(t, "safemonk-blobs", cfg.Backend.Bucket)
	assert.Equal(t, 5, cfg.RateLimit.MaxCreates)
	// Defaults not present in the YAML must still apply.
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestWatchReloader_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  max_creates: 10\n"), 0o600))

	received := make(chan *Config, 1)
	reloader, err := NewWatchReloader(path, func(cfg *Config) {
		received <- cfg
	})
	require.NoError(t, err)
	reloader.Watch()

	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  max_creates: 42\n"), 0o600))

	select {
	case cfg := <-received:
		assert.Equal(t, 42, cfg.RateLimit.MaxCreates)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload callback")
	}
}
