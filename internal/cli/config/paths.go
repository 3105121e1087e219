package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir is $WHARF_HOME, or ~/.wharf.
func DefaultConfigDir() string {
	if v := os.Getenv("WHARF_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".wharf")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

func DefaultKeyPath() string {
	return filepath.Join(DefaultConfigDir(), "id_ed25519")
}

func DefaultKnownHostsPath() string {
	return filepath.Join(DefaultConfigDir(), "known_hosts")
}

func DefaultDatabasePath() string {
	return filepath.Join(DefaultConfigDir(), "wharf.db")
}
