// Package policy implements pre-policy argument validation and the
// deny > allow > ask permission engine.
package policy

import (
	"fmt"
	"regexp"

	"github.com/agentpass/agentpass/internal/domain/registry"
	"github.com/agentpass/agentpass/internal/domain/request"
)

// forbiddenChars matches characters banned from every argument value:
// glob metacharacters, parentheses and commas (reserved for signatures),
// and control characters. Rejecting them before policy evaluation means
// an agent cannot craft an argument that widens a pattern match.
var forbiddenChars = regexp.MustCompile(`[*?\[\](),\x00-\x1f]`)

// ValidateArgs rejects arguments with forbidden characters, missing
// required arguments, and values failing the tool's declared validators.
// The tool may be nil for unregistered tools, in which case only the
// forbidden-character check applies.
func ValidateArgs(tool *registry.Tool, args map[string]string) error {
	for key, value := range args {
		if forbiddenChars.MatchString(value) {
			return request.NewError(request.KindInvalidRequest,
				fmt.Sprintf("argument %q contains forbidden characters", key))
		}
	}

	if tool == nil {
		return nil
	}

	for _, required := range tool.RequiredArgs() {
		if _, ok := args[required]; !ok {
			return request.NewError(request.KindInvalidRequest,
				fmt.Sprintf("missing required argument: %s", required))
		}
	}

	for key, value := range args {
		arg, ok := tool.Args[key]
		if !ok || arg.Validator == nil {
			continue
		}
		if !arg.Validator.MatchString(value) {
			return request.NewError(request.KindInvalidRequest,
				fmt.Sprintf("invalid value for %s: %q", key, value))
		}
	}

	return nil
}
