package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Timeouts.Request)
	assert.Equal(t, 10000, cfg.Traces.BufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:9999"
	cfg.Adapters["python"] = AdapterConfig{Command: "/opt/python3", UsePTY: true}
	cfg.Traces.BufferSize = 500
	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", loaded.Listen)
	assert.Equal(t, "/opt/python3", loaded.Adapters["python"].Command)
	assert.True(t, loaded.Adapters["python"].UsePTY)
	assert.Equal(t, 500, loaded.Traces.BufferSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.Request = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Traces.BufferSize = -1
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("listen = [not toml"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
}
