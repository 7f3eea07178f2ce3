package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/internal/config"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
port: 9000
remotes:
  - name: origin
    url: https://example.com
    cache_ttl_seconds: 3600
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "sqlite", cfg.DatabaseBackend)
	require.NotZero(t, cfg.IndexerBatchInterval)
	require.Len(t, cfg.Remotes, 1)
	require.Equal(t, "origin", cfg.Remotes[0].Name)
}

func TestLoadDefaultsDataDirToConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 1\n"), 0o644))

	// data_dir defaults to the config file's own directory, so this
	// only fails if a caller blanks it out explicitly.
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
}

func TestEnsureLayout(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	require.NoError(t, cfg.EnsureLayout())

	for _, p := range []string{cfg.LogDir(), cfg.ArtifactsDir()} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestSocketAndLockPaths(t *testing.T) {
	cfg := config.Default("/data")
	require.Equal(t, "/data/socket", cfg.SocketPath())
	require.Equal(t, "/data/lock", cfg.LockPath())
}
