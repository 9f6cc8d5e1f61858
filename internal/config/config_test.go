package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")

	cfg, err := Load(path)
	require.NoError(t, err, "load missing file")
	require.Equal(t, ":8080", cfg.Listen, "default listen")
	require.Equal(t, "./data", cfg.DataDir, "default data dir")
	require.Equal(t, "us-east-1", cfg.Region, "default region")
	require.Equal(t, 1000, cfg.MaxKeys, "default max keys")
	require.Equal(t, 1000, cfg.BatchDeleteLimit, "default batch delete limit")
}

func TestLoadReadsFileAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellar.toml")
	content := "listen = \":9090\"\ndata_dir = \"/var/lib/cellar\"\nmax_keys = 250\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "writing config file")

	cfg, err := Load(path)
	require.NoError(t, err, "load config file")
	require.Equal(t, ":9090", cfg.Listen, "configured listen")
	require.Equal(t, "/var/lib/cellar", cfg.DataDir, "configured data dir")
	require.Equal(t, "us-east-1", cfg.Region, "omitted region should default")
	require.Equal(t, 250, cfg.MaxKeys, "configured max keys")
	require.Equal(t, 1000, cfg.BatchDeleteLimit, "omitted batch delete limit should default")
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = :::"), 0o644), "writing config file")

	_, err := Load(path)
	require.Error(t, err, "malformed TOML should fail to load")
}
