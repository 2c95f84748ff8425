package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultRelays, cfg.Relays)
	require.NotEmpty(t, cfg.DataDir)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platesync", "config.json")

	cfg := &Config{
		Relays:   []string{"wss://relay.example.com"},
		DataDir:  "/tmp/platesync-test",
		LogLevel: "debug",
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Relays, loaded.Relays)
	require.Equal(t, cfg.DataDir, loaded.DataDir)
	require.Equal(t, cfg.LogLevel, loaded.LogLevel)
}

func TestAddRelayDeduplicates(t *testing.T) {
	cfg := &Config{Relays: []string{"wss://a"}}
	require.True(t, cfg.AddRelay("wss://b"))
	require.False(t, cfg.AddRelay("wss://b"))
	require.Equal(t, []string{"wss://a", "wss://b"}, cfg.Relays)
}

func TestRemoveRelay(t *testing.T) {
	cfg := &Config{Relays: []string{"wss://a", "wss://b"}}
	require.True(t, cfg.RemoveRelay("wss://a"))
	require.False(t, cfg.RemoveRelay("wss://a"))
	require.Equal(t, []string{"wss://b"}, cfg.Relays)
}
