package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Discover finds the config file using priority: env > flag > walk-up.
// Returns "" with a nil error when no file exists anywhere, meaning defaults apply.
func Discover(flagPath string) (string, error) {
	// 1. Environment variable
	if envPath := os.Getenv(EnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", fmt.Errorf("config not found at $%s path: %s", EnvVar, envPath)
	}

	// 2. CLI flag
	if flagPath != "" {
		if _, err := os.Stat(flagPath); err == nil {
			return flagPath, nil
		}
		return "", fmt.Errorf("config not found at --config path: %s", flagPath)
	}

	// 3. Walk up from CWD
	dir, err := os.Getwd()
	if err != nil {
		return "", nil
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

// Resolve discovers and loads the config, falling back to defaults
func Resolve(flagPath string) (*Config, string, error) {
	path, err := Discover(flagPath)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
