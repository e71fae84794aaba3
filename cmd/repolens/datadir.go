// ABOUTME: Data and config directory resolution for the repolens CLI.
// ABOUTME: Honors -data-dir, then REPOLENS_DATA_DIR, then XDG_DATA_HOME / XDG_CONFIG_HOME, then ~/.local/share and ~/.config.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDirName = "repolens"

// xdgDir returns $<env>/repolens, or ~/<fallback...>/repolens when env is unset.
func xdgDir(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appDirName)...), nil
}

func defaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

func defaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// resolveDataDir prefers an explicit override, then REPOLENS_DATA_DIR.
func resolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("REPOLENS_DATA_DIR"); env != "" {
		return env, nil
	}
	return defaultDataDir()
}
