package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML configuration file and merges it over the defaults.
// Fields absent from the file keep their default values.
func LoadFile(path string) (Settings, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return Settings{}, fmt.Errorf("config: path required")
	}
	resolved, err := filepath.Abs(trimmed)
	if err != nil {
		return Settings{}, fmt.Errorf("config: resolve path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", resolved, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", resolved, err)
	}
	return cfg, nil
}
