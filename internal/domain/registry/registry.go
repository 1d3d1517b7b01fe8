// Package registry maps tool names to their definitions and owning
// services, and builds the deterministic policy-matching signatures.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agentpass/agentpass/internal/config"
)

// placeholderPattern matches {arg_name} references in signature and path
// templates.
var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Tool is an immutable, compiled tool definition.
type Tool struct {
	Name        string
	ServiceName string
	Description string

	// signatureParts are the comma-separated template segments, e.g.
	// ["{domain}.{service}", "{entity_id}"]. Empty for template-less
	// tools, whose signature is the tool name alone.
	signatureParts []string

	// Args holds the declared arguments with compiled validators.
	Args map[string]Arg

	// Request and Response carry the HTTP mapping for the dispatcher.
	Request  config.ToolRequestConfig
	Response config.ToolResponseConfig
}

// Arg is one declared argument with its compiled validator.
type Arg struct {
	Required bool
	Pattern  string
	// Validator is nil when no validate pattern was declared.
	Validator *regexp.Regexp
}

// RequiredArgs returns the names of required arguments.
func (t *Tool) RequiredArgs() []string {
	var required []string
	for name, arg := range t.Args {
		if arg.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// Registry is the central tool registry. Immutable after Build.
type Registry struct {
	tools map[string]*Tool
}

// Build compiles tool definitions from all configured services.
// Arg validator compile failures and duplicate tool names across
// services are fatal configuration errors.
func Build(services map[string]config.ServiceConfig) (*Registry, error) {
	tools := make(map[string]*Tool)

	// Deterministic error messages regardless of map iteration order.
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, svcName := range names {
		svc := services[svcName]
		tf, err := config.LoadToolsFile(svc.ToolsFile)
		if err != nil {
			return nil, err
		}
		for _, tc := range tf.Tools {
			if existing, ok := tools[tc.Name]; ok {
				return nil, fmt.Errorf("duplicate tool name %q in services %q and %q",
					tc.Name, existing.ServiceName, svcName)
			}
			tool, err := compileTool(tc, svcName)
			if err != nil {
				return nil, err
			}
			tools[tc.Name] = tool
		}
	}

	return &Registry{tools: tools}, nil
}

// compileTool validates and compiles one tool definition.
func compileTool(tc config.ToolConfig, svcName string) (*Tool, error) {
	tool := &Tool{
		Name:        tc.Name,
		ServiceName: svcName,
		Description: tc.Description,
		Args:        make(map[string]Arg, len(tc.Args)),
		Request:     tc.Request,
		Response:    tc.Response,
	}

	if tc.Signature != "" {
		for _, part := range strings.Split(tc.Signature, ",") {
			tool.signatureParts = append(tool.signatureParts, strings.TrimSpace(part))
		}
	}

	for argName, ac := range tc.Args {
		arg := Arg{Required: ac.Required, Pattern: ac.Validate}
		if ac.Validate != "" {
			// Anchored at the start: a pattern constrains the value's
			// prefix unless it anchors the end itself.
			re, err := regexp.Compile(`\A(?:` + ac.Validate + `)`)
			if err != nil {
				return nil, fmt.Errorf("tool %q arg %q: invalid validate pattern: %w",
					tc.Name, argName, err)
			}
			arg.Validator = re
		}
		tool.Args[argName] = arg
	}

	return tool, nil
}

// Lookup returns the tool definition for the given name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// AllTools returns all tool definitions sorted by name.
func (r *Registry) AllTools() []*Tool {
	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ToolsForService returns the tools owned by one service, sorted by name.
func (r *Registry) ToolsForService(service string) []*Tool {
	var tools []*Tool
	for _, t := range r.tools {
		if t.ServiceName == service {
			tools = append(tools, t)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// BuildSignature builds the deterministic policy-matching signature for
// a request. Registered tools render their template with {arg}
// placeholders substituted:
//
//	ha_call_service + {domain: light, service: turn_on, entity_id: light.bedroom}
//	  -> "ha_call_service(light.turn_on, light.bedroom)"
//
// A registered tool with no template renders as the bare tool name.
// Unregistered tools fall back to "tool(key=value, ...)" with keys in
// lexicographic order.
func (r *Registry) BuildSignature(toolName string, args map[string]string) string {
	if tool, ok := r.tools[toolName]; ok {
		if len(tool.signatureParts) == 0 {
			return toolName
		}
		parts := make([]string, len(tool.signatureParts))
		for i, part := range tool.signatureParts {
			parts[i] = placeholderPattern.ReplaceAllStringFunc(part, func(ref string) string {
				return args[ref[1:len(ref)-1]]
			})
		}
		return fmt.Sprintf("%s(%s)", toolName, strings.Join(parts, ", "))
	}

	if len(args) == 0 {
		return toolName
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + args[k]
	}
	return fmt.Sprintf("%s(%s)", toolName, strings.Join(parts, ", "))
}
