package common

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// --------------------------------------------------------------------------
// Topology File
// --------------------------------------------------------------------------

// LoadNodeConfig reads a node configuration from a YAML file. Fields the
// file omits keep their defaults, the result is validated.
func LoadNodeConfig(path string) (NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("failed to read topology file: %v", err)
	}
	return ParseNodeConfig(data)
}

// ParseNodeConfig parses a YAML node configuration.
func ParseNodeConfig(data []byte) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("failed to parse topology: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// WriteNodeConfig renders a configuration back to YAML, for scaffolding
// new deployments.
func WriteNodeConfig(cfg NodeConfig, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render topology: %v", err)
	}
	return os.WriteFile(path, data, 0o644)
}
