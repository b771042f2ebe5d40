// Package config loads and stores cellrun configuration in the XDG config dir.
// Connection passwords are not kept here when a connection opts into the OS
// keychain; see internal/keychain.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cellrun/cli/internal/xdg"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "CELLRUN_CONFIG"

// Config holds cellrun settings.
type Config struct {
	LogLevel    string        `json:"log_level"`
	Connections []Connection  `json:"connections"`
	Script      ScriptConfig  `json:"script"`
	Gateway     GatewayConfig `json:"gateway"`
	History     HistoryConfig `json:"history"`
}

// Connection is a named database connection cells refer to.
type Connection struct {
	Name   string `json:"name"`
	Driver string `json:"driver"` // postgres | sqlite
	DSN    string `json:"dsn"`
	// Keychain marks that the password is stored in the OS keychain under Name.
	Keychain bool `json:"keychain,omitempty"`
}

// ScriptConfig controls the script sandbox subprocess.
type ScriptConfig struct {
	// Runtime is the executable that hosts scripts. Empty means the running cellrun binary.
	Runtime        string   `json:"runtime,omitempty"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// GatewayConfig points at the gRPC gateway serving broker and log-search calls.
type GatewayConfig struct {
	Addr     string `json:"addr,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
	Token    string `json:"token,omitempty"`
}

// HistoryConfig controls query history persistence.
type HistoryConfig struct {
	Persist bool `json:"persist"`
}

// Default returns the settings used when no config file exists.
func Default() Config {
	return Config{
		LogLevel: "info",
		Script: ScriptConfig{
			TimeoutSeconds: 300,
		},
		History: HistoryConfig{Persist: true},
	}
}

// Path returns the path to the config file.
func Path() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration; missing file returns defaults.
func Load() (Config, error) {
	p, err := Path()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(p)
}

// LoadFile reads configuration from p; a missing file returns defaults.
func LoadFile(p string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", p, err)
	}
	return c, c.Validate()
}

// Save writes configuration with 0600 permissions.
func Save(c Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(p, c)
}

// SaveFile writes configuration to p with 0600 permissions.
func SaveFile(p string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}

// Validate checks connection names are present and unique.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Connections))
	for i, conn := range c.Connections {
		name := strings.TrimSpace(conn.Name)
		if name == "" {
			return fmt.Errorf("connections[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("connections[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(conn.DSN) == "" {
			return fmt.Errorf("connection %q: dsn is required", name)
		}
	}
	if c.Script.TimeoutSeconds < 0 {
		return fmt.Errorf("script.timeout_seconds must not be negative")
	}
	return nil
}

// Connection returns the connection with the given name.
func (c Config) Connection(name string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return Connection{}, false
}

// UpsertConnection replaces the connection with the same name or appends it.
func (c *Config) UpsertConnection(conn Connection) {
	for i := range c.Connections {
		if c.Connections[i].Name == conn.Name {
			c.Connections[i] = conn
			return
		}
	}
	c.Connections = append(c.Connections, conn)
}
