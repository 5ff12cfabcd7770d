package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/illo"

	// HomeEnv overrides the config directory, e.g. for containers.
	HomeEnv = "ILLO_HOME"
)

// GetConfigDir returns $ILLO_HOME, or ~/.config/illo when unset, creating it
// on first use.
func GetConfigDir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath finds config.yaml or the sqlite file. A copy in the working
// directory wins; otherwise the path inside the config directory is returned
// whether or not it exists yet, so a fresh install creates illo.db there.
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}
