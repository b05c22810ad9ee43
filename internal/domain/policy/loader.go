package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a Config from a YAML (or JSON) policy document.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a policy document. Validation stays minimal: the
// evaluator is the authority on rule semantics, and unrecognized rule
// shapes are rejected there, not here.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.ApprovalRules {
		if cfg.ApprovalRules[i].Name == "" {
			return nil, fmt.Errorf("approval_rules[%d]: name is required", i)
		}
	}
	return &cfg, nil
}
