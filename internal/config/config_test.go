package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, ".", cfg.Workspace)
	require.Equal(t, "/bin/sh", cfg.Sandbox.Shell)
	require.Equal(t, 10*time.Minute, cfg.Sandbox.CommandTimeout)
	require.NoError(t, cfg.validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err, "missing file should not error")
	require.Equal(t, Default().Workspace, cfg.Workspace)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boltflow.yaml")
	data := `
workspace: /tmp/ws
sandbox:
  shell: /bin/bash
  command_timeout: 30s
  ready_patterns:
    - "custom ready"
replay:
  chunk_size: 64
logging:
  level: debug
  console: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/ws", cfg.Workspace)
	require.Equal(t, "/bin/bash", cfg.Sandbox.Shell)
	require.Equal(t, 30*time.Second, cfg.Sandbox.CommandTimeout)
	require.Equal(t, []string{"custom ready"}, cfg.Sandbox.ReadyPatterns)
	require.Equal(t, 64, cfg.Replay.ChunkSize)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.Console)

	// Unset fields keep their defaults.
	require.Equal(t, Default().Sandbox.MaxOutputBytes, cfg.Sandbox.MaxOutputBytes)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOLTFLOW_WORKSPACE", "/env/ws")
	t.Setenv("BOLTFLOW_SHELL", "/bin/zsh")
	t.Setenv("BOLTFLOW_COMMAND_TIMEOUT", "5s")
	t.Setenv("BOLTFLOW_MAX_OUTPUT_BYTES", "1024")
	t.Setenv("BOLTFLOW_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/env/ws", cfg.Workspace)
	require.Equal(t, "/bin/zsh", cfg.Sandbox.Shell)
	require.Equal(t, 5*time.Second, cfg.Sandbox.CommandTimeout)
	require.Equal(t, int64(1024), cfg.Sandbox.MaxOutputBytes)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boltflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace: /from/file\n"), 0o644))
	t.Setenv("BOLTFLOW_WORKSPACE", "/from/env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.Workspace)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Workspace = ""
	require.Error(t, cfg.validate(), "empty workspace")

	cfg = Default()
	cfg.Sandbox.Shell = ""
	require.Error(t, cfg.validate(), "empty shell")

	cfg = Default()
	cfg.Sandbox.MaxOutputBytes = -1
	require.Error(t, cfg.validate(), "negative output cap")

	cfg = Default()
	cfg.Replay.ChunkSize = -5
	require.Error(t, cfg.validate(), "negative chunk size")
}
