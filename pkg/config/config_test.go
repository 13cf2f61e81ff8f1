package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidate(t *testing.T) {
	cfg := Default()
	cfg.DownloadsRoot = "/tmp/downloads"
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsMissingDownloadsRoot(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveChunkSize(t *testing.T) {
	cfg := Default()
	cfg.DownloadsRoot = "/tmp/downloads"
	cfg.ChunkSize = 0
	require.Error(t, cfg.Validate())
}

func TestWithDefaults_FillsZeroFieldsOnly(t *testing.T) {
	cfg := Config{DownloadsRoot: "/tmp/downloads", ChunkSize: 1024}
	filled := cfg.WithDefaults()

	assert.Equal(t, int64(1024), filled.ChunkSize)
	assert.Equal(t, Default().MaxChunksPerPeer, filled.MaxChunksPerPeer)
}

func TestWithDefaults_PreservesExplicitZeroRateLimit(t *testing.T) {
	cfg := Config{DownloadsRoot: "/tmp/downloads"}
	cfg.Download.GlobalBytesPerSec = 0
	filled := cfg.WithDefaults()

	assert.Equal(t, int64(0), filled.Download.GlobalBytesPerSec, "0 means unlimited and must not be overwritten")
}

func TestLoad_ReadsFileAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("downloads_root: "+dir+"\nchunk_size: 4096\n"), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)

	cfg, err := Load(cfgPath, fs)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DownloadsRoot)
	assert.Equal(t, int64(4096), cfg.ChunkSize)
	assert.Equal(t, Default().MaxChunksPerPeer, cfg.MaxChunksPerPeer)
}

func TestLoad_RejectsInvalidResult(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("chunk_size: -1\n"), 0o600))

	_, err := Load(cfgPath, nil)
	require.Error(t, err)
}
