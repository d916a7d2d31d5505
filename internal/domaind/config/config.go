// Package config resolves the daemon's environment-variable
// configuration, the same env-var-first pattern the teacher's own
// internal/jvp/config uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's process-wide configuration.
type Config struct {
	// DataDir holds the storage database and any other on-disk state.
	// Configurable through DOMAIND_DATA_DIR; defaults to
	// ~/.local/share/domaind.
	DataDir string `yaml:"data_dir"`

	// AdminAddress is the admin HTTP surface's listen address (§2.9).
	// Configurable through DOMAIND_ADMIN_ADDRESS.
	AdminAddress string `yaml:"admin_address"`

	// ChannelAddress is the command-channel listener's address
	// (§4.7/§6.2). Configurable through DOMAIND_CHANNEL_ADDRESS.
	ChannelAddress string `yaml:"channel_address"`

	// ChannelTransport selects which pkg/channel transport the daemon
	// listens with: "tcp" for a raw length-prefixed stream, or
	// "websocket" for the gorilla/websocket-backed transport.
	// Configurable through DOMAIND_CHANNEL_TRANSPORT.
	ChannelTransport string `yaml:"channel_transport"`
}

// fileConfig mirrors Config's fields for domaind.yaml, the file-based
// alternative to the DOMAIND_* environment variables. Any field left
// unset in the file keeps its environment/default value.
type fileConfig struct {
	DataDir          string `yaml:"data_dir"`
	AdminAddress     string `yaml:"admin_address"`
	ChannelAddress   string `yaml:"channel_address"`
	ChannelTransport string `yaml:"channel_transport"`
}

// New resolves a Config from the process environment, then overlays
// domaind.yaml if DOMAIND_CONFIG_FILE points at one.
func New() (*Config, error) {
	cfg := &Config{
		DataDir:          getDataDir(),
		AdminAddress:     getEnv("DOMAIND_ADMIN_ADDRESS", "0.0.0.0:7780"),
		ChannelAddress:   getEnv("DOMAIND_CHANNEL_ADDRESS", "0.0.0.0:7781"),
		ChannelTransport: getEnv("DOMAIND_CHANNEL_TRANSPORT", "tcp"),
	}

	if path := os.Getenv("DOMAIND_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// overlayFile reads a YAML config file and overwrites any field it
// sets explicitly, leaving environment-derived defaults in place for
// the rest.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.AdminAddress != "" {
		c.AdminAddress = fc.AdminAddress
	}
	if fc.ChannelAddress != "" {
		c.ChannelAddress = fc.ChannelAddress
	}
	if fc.ChannelTransport != "" {
		c.ChannelTransport = fc.ChannelTransport
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDataDir() string {
	if dir := os.Getenv("DOMAIND_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "domaind")
	}
	return filepath.Join(".", "data")
}

// StoragePath is the sqlite file storagedb.Open should open, derived
// from DataDir.
func (c *Config) StoragePath() string {
	return filepath.Join(c.DataDir, "storage.db")
}
