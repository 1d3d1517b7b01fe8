package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PermissionsFile is the parsed form of the permissions YAML file.
// Rules are explicit overrides evaluated with deny > allow > ask
// precedence; Defaults are fallback patterns walked in order.
type PermissionsFile struct {
	Rules    []RuleConfig `yaml:"rules"`
	Defaults []RuleConfig `yaml:"defaults"`
}

// RuleConfig is one policy entry.
type RuleConfig struct {
	// Pattern is a glob matched against the request signature:
	// '*' any run, '?' single char, '[...]' character class.
	Pattern string `yaml:"pattern"`

	// Action is one of "allow", "deny", "ask".
	Action string `yaml:"action"`

	// Description is shown in logs and approval prompts.
	Description string `yaml:"description"`

	// Condition is an optional CEL expression over `tool` (string) and
	// `args` (map). When present, the rule only matches if the pattern
	// matches and the condition evaluates to true. Compile failure is a
	// fatal configuration error.
	Condition string `yaml:"condition"`
}

// LoadPermissionsFile reads and parses the permissions file. A missing
// path returns an empty permission set (everything falls back to ASK).
func LoadPermissionsFile(path string) (*PermissionsFile, error) {
	if path == "" {
		return &PermissionsFile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions file %s: %w", path, err)
	}

	var pf PermissionsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse permissions file %s: %w", path, err)
	}

	for section, rules := range map[string][]RuleConfig{"rules": pf.Rules, "defaults": pf.Defaults} {
		for i, r := range rules {
			if r.Pattern == "" {
				return nil, fmt.Errorf("permissions file %s: %s[%d] has no pattern", path, section, i)
			}
			switch r.Action {
			case "allow", "deny", "ask":
			default:
				return nil, fmt.Errorf("permissions file %s: %s[%d] action must be allow, deny, or ask (got %q)", path, section, i, r.Action)
			}
		}
	}

	return &pf, nil
}
