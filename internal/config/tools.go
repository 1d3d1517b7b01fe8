package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolsFile is the parsed form of one service's tools YAML file.
type ToolsFile struct {
	Tools []ToolConfig `yaml:"tools"`
}

// ToolConfig declares one tool: its arguments, the HTTP request it maps
// to, and how its response is shaped.
type ToolConfig struct {
	// Name is the tool's globally unique name.
	Name string `yaml:"name"`

	// Description is shown to agents via list_tools and to guardians in
	// approval prompts.
	Description string `yaml:"description"`

	// Signature is the policy-matching template, e.g.
	// "{domain}.{service}, {entity_id}". Rendered as
	// "tool(part1, part2)". Empty means the tool name alone.
	Signature string `yaml:"signature"`

	// Args maps argument names to their declarations.
	Args map[string]ToolArgConfig `yaml:"args"`

	// Request declares the HTTP request this tool performs.
	Request ToolRequestConfig `yaml:"request"`

	// Response declares how the response body is shaped.
	Response ToolResponseConfig `yaml:"response"`
}

// ToolArgConfig declares one tool argument.
type ToolArgConfig struct {
	// Required rejects requests missing this argument.
	Required bool `yaml:"required"`

	// Validate is an optional anchored regular expression the value must
	// match. Compile failure is a fatal configuration error.
	Validate string `yaml:"validate"`
}

// ToolRequestConfig declares the HTTP request a tool performs.
type ToolRequestConfig struct {
	// Method is the HTTP method. Default: "GET".
	Method string `yaml:"method"`

	// Path is the path template; "{arg}" placeholders are interpolated
	// with URL-escaped argument values.
	Path string `yaml:"path"`

	// BodyExclude lists argument names omitted from the JSON body of
	// non-GET requests. Path-bound arguments are always excluded.
	BodyExclude []string `yaml:"body_exclude"`
}

// ToolResponseConfig declares response shaping.
type ToolResponseConfig struct {
	// Wrap, when set, nests the parsed response body under this key.
	Wrap string `yaml:"wrap"`
}

// LoadToolsFile reads and parses one service's tools file.
func LoadToolsFile(path string) (*ToolsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file %s: %w", path, err)
	}

	var tf ToolsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse tools file %s: %w", path, err)
	}

	for i, tool := range tf.Tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tools file %s: tools[%d] has no name", path, i)
		}
		if tool.Request.Method == "" {
			tool.Request.Method = "GET"
			tf.Tools[i] = tool
		}
	}

	return &tf, nil
}
