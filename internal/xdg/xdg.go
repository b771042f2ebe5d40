// Package xdg resolves XDG Base Directory paths for cellrun.
// Directories are created with private permissions because they hold
// connection settings and query history.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "cellrun"

// ConfigDir returns the XDG config directory for cellrun.
// It falls back to ~/.config/cellrun when XDG_CONFIG_HOME is unset.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// StateDir returns the XDG state directory for cellrun.
// It falls back to ~/.local/state/cellrun when XDG_STATE_HOME is unset.
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

func resolve(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil { // private dir
		return "", err
	}
	return dir, nil
}
