package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)

	cfg := DefaultConfig(dir)
	cfg.P2P.BootstrapNodes = "10.0.0.1:4445"
	cfg.P2P.RPCTimeout = 1500 * time.Millisecond
	cfg.Metrics.ListenAddress = "127.0.0.1:9464"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, dir, loaded.BaseDir)
	assert.Equal(t, "10.0.0.1:4445", loaded.P2P.BootstrapNodes)
	assert.Equal(t, 1500*time.Millisecond, loaded.P2P.RPCTimeout)
	assert.Equal(t, time.Hour, loaded.P2P.RefreshInterval)
	assert.Equal(t, uint16(DefaultP2PPort), loaded.P2P.Port)
	assert.Equal(t, "127.0.0.1:9464", loaded.Metrics.ListenAddress)
	assert.Equal(t, filepath.Join(dir, DefaultKeyFile), loaded.KeyFilePath())
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yml")
	require.NoError(t, os.WriteFile(path, []byte("p2p:\n  seed: true\n  port: 5000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.P2P.Seed)
	assert.Equal(t, uint16(5000), cfg.P2P.Port)
	assert.Equal(t, DefaultListenAddress, cfg.P2P.ListenAddress)
	assert.Equal(t, DefaultK, cfg.P2P.K)
	assert.Equal(t, DefaultAlpha, cfg.P2P.Alpha)
	assert.Equal(t, DefaultKeyFile, cfg.Identity.KeyFile)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultBootstrapTries, cfg.P2P.BootstrapTries)
	assert.Equal(t, DefaultBootstrapBackoff, cfg.P2P.BootstrapBackoff)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("p2p:\n  k: 2\n  alpha: 5\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("p2p:\n  bootstrap_nodes: nowhere\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestP2PServiceConfig(t *testing.T) {
	cfg := DefaultConfig("/var/lib/ledgernode")
	cfg.P2P.ExternalIP = "203.0.113.9"

	svc := cfg.P2PServiceConfig()
	assert.Equal(t, "/var/lib/ledgernode/"+DefaultSnapshotFile, svc.SnapshotFile)
	assert.Equal(t, "203.0.113.9", svc.AdvertisedIP())
	assert.Equal(t, cfg.P2P.K, svc.K)
	assert.Equal(t, DefaultBootstrapTries, svc.MaxBootstrapAttempts)

	cfg.P2P.SnapshotFile = "/tmp/n.db"
	assert.Equal(t, "/tmp/n.db", cfg.P2PServiceConfig().SnapshotFile)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	require.NoError(t, cfg.EnsureDirs())

	info, err := os.Stat(filepath.Dir(cfg.KeyFilePath()))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
