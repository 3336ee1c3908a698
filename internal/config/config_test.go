package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(EnvConfigFile, "")
	t.Setenv(EnvBaseURL, "")
	t.Setenv(EnvStorage, "")
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvRedisDB, "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_base_url: https://api.example.lk/v1
transport: ws
language: si
storage:
  backend: bolt
  path: /tmp/uni.bolt
`), 0o644))

	t.Setenv(EnvStorage, "")
	t.Setenv(EnvBaseURL, "https://override.example.lk/v1")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://override.example.lk/v1", cfg.APIBaseURL)
	require.Equal(t, TransportWebSocket, cfg.Transport)
	require.Equal(t, "si", cfg.Language)
	require.Equal(t, "bolt", cfg.Storage.Backend)
	require.Equal(t, "/tmp/uni.bolt", cfg.Storage.Path)
	require.Equal(t, "logs", cfg.LogDir)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: etcd\n"), 0o644))
	t.Setenv(EnvStorage, "")
	_, err := Load(path)
	require.EqualError(t, err, "unknown storage backend: etcd")

	t.Setenv(EnvConfigFile, "")
	t.Setenv(EnvRedisDB, "zero")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoad_NonStreaming(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvStorage, "")

	path := filepath.Join(dir, "plain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream: false\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Stream)
	require.True(t, Default().Stream)

	path = filepath.Join(dir, "ws.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream: false\ntransport: ws\n"), 0o644))
	_, err = Load(path)
	require.EqualError(t, err, "transport ws requires stream: true")
}
