package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadPermissionsFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "permissions.yaml", `
rules:
  - pattern: "ha_call_service(light.*"
    action: allow
    description: lights are safe
  - pattern: "ha_call_service(lock.*"
    action: deny
    condition: 'args["entity_id"] != ""'
defaults:
  - pattern: "*"
    action: ask
`)

	pf, err := LoadPermissionsFile(path)
	if err != nil {
		t.Fatalf("LoadPermissionsFile() error: %v", err)
	}
	if len(pf.Rules) != 2 || len(pf.Defaults) != 1 {
		t.Fatalf("rules=%d defaults=%d, want 2/1", len(pf.Rules), len(pf.Defaults))
	}
	if pf.Rules[1].Condition == "" {
		t.Error("condition was not parsed")
	}
}

func TestLoadPermissionsFileEmptyPath(t *testing.T) {
	t.Parallel()

	pf, err := LoadPermissionsFile("")
	if err != nil {
		t.Fatalf("LoadPermissionsFile(\"\") error: %v", err)
	}
	if len(pf.Rules) != 0 || len(pf.Defaults) != 0 {
		t.Error("empty path should yield an empty permission set")
	}
}

func TestLoadPermissionsFileRejectsBadAction(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "permissions.yaml", `
rules:
  - pattern: "*"
    action: maybe
`)
	_, err := LoadPermissionsFile(path)
	if err == nil || !strings.Contains(err.Error(), "action must be allow, deny, or ask") {
		t.Errorf("LoadPermissionsFile() = %v, want action error", err)
	}
}

func TestLoadPermissionsFileRejectsMissingPattern(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "permissions.yaml", `
defaults:
  - action: ask
`)
	_, err := LoadPermissionsFile(path)
	if err == nil || !strings.Contains(err.Error(), "no pattern") {
		t.Errorf("LoadPermissionsFile() = %v, want missing pattern error", err)
	}
}

func TestLoadToolsFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tools.yaml", `
tools:
  - name: ha_call_service
    signature: "{domain}.{service}, {entity_id}"
    args:
      domain:
        required: true
        validate: "[a-z_]+$"
    request:
      method: POST
      path: /api/services/{domain}/{service}
      body_exclude: [domain, service]
    response:
      wrap: result
  - name: defaults_tool
`)

	tf, err := LoadToolsFile(path)
	if err != nil {
		t.Fatalf("LoadToolsFile() error: %v", err)
	}
	if len(tf.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tf.Tools))
	}

	tool := tf.Tools[0]
	if tool.Request.Method != "POST" || tool.Request.Path != "/api/services/{domain}/{service}" {
		t.Errorf("request = %+v, want parsed method and path", tool.Request)
	}
	if !tool.Args["domain"].Required || tool.Args["domain"].Validate == "" {
		t.Errorf("args = %+v, want required validated domain", tool.Args)
	}
	if tool.Response.Wrap != "result" {
		t.Errorf("wrap = %q, want result", tool.Response.Wrap)
	}

	// Method defaults to GET.
	if tf.Tools[1].Request.Method != "GET" {
		t.Errorf("default method = %q, want GET", tf.Tools[1].Request.Method)
	}
}

func TestLoadToolsFileRejectsUnnamedTool(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tools.yaml", `
tools:
  - description: nameless
`)
	_, err := LoadToolsFile(path)
	if err == nil || !strings.Contains(err.Error(), "no name") {
		t.Errorf("LoadToolsFile() = %v, want no name error", err)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if got := findConfigFileInPaths([]string{dir}); got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}

	path := filepath.Join(dir, "agentpass.yml")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := findConfigFileInPaths([]string{dir}); got != path {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, path)
	}
}
