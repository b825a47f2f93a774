package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the data directory used when Config.DataDir is
// empty. The pebble backend lives in {dir}/store and the lifecycle journal in
// {dir}/journal, whichever backend is selected.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}

	// XDG (Linux) override
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "orchq")
	}

	// Common Linux/Unix system dir
	if isDir("/var/lib") {
		return "/var/lib/orchq"
	}

	// macOS: ~/Library/Application Support/Orchq
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "Orchq")
	}

	// Windows: %USERPROFILE%/AppData/Local/Orchq
	if isDir(filepath.Join(homeDir, "AppData")) {
		return filepath.Join(homeDir, "AppData", "Local", "Orchq")
	}

	// Fallback: ~/.orchq
	return filepath.Join(homeDir, ".orchq")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
