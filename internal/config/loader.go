package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dir is the name of the global and project configuration directories.
const Dir = ".agentrt"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Settings absent from a file keep their previous value; agents and workflows
// are merged by name. Missing files are not errors; malformed files return an
// error. Files ending in .yaml or .yml are YAML, everything else is JSON.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.agentrt/config.{yaml,yml,json}
// Project: .agentrt/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*Config, error) {
	global, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(global, ProjectPath())
}

// GlobalPath returns the global config file under the user's home directory.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return findConfig(filepath.Join(homeDir, Dir)), nil
}

// ProjectPath returns the project config file relative to the working directory.
func ProjectPath() string {
	return findConfig(Dir)
}

// findConfig returns the first existing config file in dir, or the JSON path
// when there is none.
func findConfig(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// mergeConfigFile decodes a config file on top of base.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// A file may set a map to null
	if base.Resources == nil {
		base.Resources = map[string]int64{}
	}
	if base.Agents == nil {
		base.Agents = map[string]AgentConfig{}
	}
	if base.Workflows == nil {
		base.Workflows = map[string]WorkflowConfig{}
	}
	return nil
}
