// Package config loads and persists the local application configuration.
// The relay set is stored here in plaintext so it stays visible and editable
// even before any successful decrypt.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the locally persisted, user-editable configuration.
type Config struct {
	Relays   []string `json:"relays"`
	DataDir  string   `json:"dataDir"`
	KeyFile  string   `json:"keyFile,omitempty"`
	LogLevel string   `json:"logLevel,omitempty"`
}

// DefaultRelays seed the relay set on first run.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "platesync", "config.json"), nil
}

// Default returns a fresh configuration.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate home directory: %w", err)
	}
	return &Config{
		Relays:   append([]string(nil), DefaultRelays...),
		DataDir:  filepath.Join(home, ".local", "share", "platesync"),
		LogLevel: "info",
	}, nil
}

// Load reads the config at path, falling back to defaults when the file does
// not exist yet.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = append([]string(nil), DefaultRelays...)
	}
	return &cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// AddRelay appends a relay URL if not already present.
func (c *Config) AddRelay(url string) bool {
	for _, r := range c.Relays {
		if r == url {
			return false
		}
	}
	c.Relays = append(c.Relays, url)
	return true
}

// RemoveRelay removes a relay URL if present.
func (c *Config) RemoveRelay(url string) bool {
	for i, r := range c.Relays {
		if r == url {
			c.Relays = append(c.Relays[:i], c.Relays[i+1:]...)
			return true
		}
	}
	return false
}
