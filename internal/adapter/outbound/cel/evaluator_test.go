package cel

import (
	"strings"
	"testing"
)

func TestCompileAndEvaluate(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	prg, err := e.Compile(`tool == "ha_call_service" && args["domain"] == "light"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	got, err := e.Evaluate(prg, "ha_call_service", map[string]string{"domain": "light"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !got {
		t.Error("Evaluate() = false, want true")
	}

	got, err = e.Evaluate(prg, "ha_call_service", map[string]string{"domain": "lock"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if got {
		t.Error("Evaluate() = true, want false")
	}
}

func TestEvaluateNilArgs(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	prg, err := e.Compile(`"domain" in args`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	got, err := e.Evaluate(prg, "t", nil)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if got {
		t.Error("Evaluate() = true for nil args, want false")
	}
}

func TestEvaluateNonBoolean(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	prg, err := e.Compile(`tool`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	if _, err := e.Evaluate(prg, "t", nil); err == nil {
		t.Error("Evaluate() should fail for a non-boolean expression")
	}
}

func TestCompileRejectsInvalidExpression(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	cases := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"syntax error", "tool =="},
		{"unknown variable", "whoami == 1"},
		{"too long", strings.Repeat("tool == 'x' && ", 100) + "true"},
		{"nesting too deep", strings.Repeat("(", 60) + "true" + strings.Repeat(")", 60)},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Compile(tt.expr); err == nil {
				t.Errorf("Compile(%q) = nil error, want failure", tt.expr)
			}
		})
	}
}
