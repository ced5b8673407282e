package profile

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/clawloop/internal/permission"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestBuiltinsAreValid(t *testing.T) {
	t.Parallel()

	m := NewManager()
	names := make([]string, 0)
	for _, p := range m.List() {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "accept-edits,auto-approve,chat,default,explore,plan" {
		t.Fatalf("builtin names = %s", got)
	}

	subs := m.Subagents()
	if len(subs) != 1 || subs[0].Name != Explore {
		t.Fatalf("subagents = %+v", subs)
	}

	plan, err := m.Get(Plan)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !plan.ReadOnly || !plan.AutoApprove || plan.Reminder == "" {
		t.Fatalf("plan profile = %+v", plan)
	}
	filter, err := plan.Filter(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if filter.Visible("bash") || !filter.Visible("grep") {
		t.Fatal("plan must only expose read-only tools")
	}
}

func TestManagerReturnsCopies(t *testing.T) {
	t.Parallel()

	m := NewManager()
	p, _ := m.Get(AcceptEdits)
	p.Permissions["bash"] = permission.Always
	p.EnabledTools = append(p.EnabledTools, "bash")

	again, _ := m.Get(AcceptEdits)
	if _, leaked := again.Permissions["bash"]; leaked {
		t.Fatal("mutating a returned profile changed the registry")
	}
	if len(again.EnabledTools) != 0 {
		t.Fatalf("enabled tools leaked: %v", again.EnabledTools)
	}

	if _, err := m.Get("nope"); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("err = %v", err)
	}
}

func TestProfileValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"minimal", Profile{Name: "x"}, false},
		{"missing name", Profile{}, true},
		{"bad safety", Profile{Name: "x", Safety: "reckless"}, true},
		{"bad kind", Profile{Name: "x", Kind: "daemon"}, true},
		{"delegating subagent", Profile{Name: "x", Kind: KindSubagent, AllowDelegation: true}, true},
		{"negative limit", Profile{Name: "x", MaxTurns: -1}, true},
		{"bad pattern", Profile{Name: "x", EnabledTools: []string{"re:("}}, true},
		{"bad level", Profile{Name: "x", Permissions: map[string]permission.Level{"bash": "maybe"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.profile
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (p.Kind != KindAgent || p.Safety != SafetyNeutral) {
				t.Fatalf("defaults not applied: %+v", p)
			}
		})
	}
}

func TestFilterOverrides(t *testing.T) {
	t.Parallel()

	p := Profile{Name: "x", EnabledTools: []string{"grep", "read_file"}, DisabledTools: []string{"read_*"}}
	f, err := p.Filter([]string{"bash", "grep"}, []string{"grep"})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Visible("bash") {
		t.Fatal("override enabled list should replace the profile list")
	}
	if f.Visible("grep") || f.Visible("read_file") {
		t.Fatal("disabled patterns accumulate and win")
	}
}

func TestLoadMarkdownAndYAML(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "reviewer", profileFileName),
		"---\nname: reviewer\nkind: subagent\nenabled_tools: [grep, read_file]\npermissions:\n  grep: ALWAYS\n---\nReview code carefully.\n")
	writeFile(t, filepath.Join(root, "careful.yaml"),
		"description: asks for everything\npermissions:\n  \"*\": ask\nmax_turns: 5\n")
	writeFile(t, filepath.Join(root, "notes.txt"), "ignored")

	profiles, err := Load(root, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profile count = %d, want 2", len(profiles))
	}

	careful, reviewer := profiles[0], profiles[1]
	if careful.Name != "careful" || careful.MaxTurns != 5 || careful.Permissions["*"] != permission.Ask {
		t.Fatalf("careful = %+v", careful)
	}
	if reviewer.Kind != KindSubagent || reviewer.SystemPrompt != "Review code carefully." {
		t.Fatalf("reviewer = %+v", reviewer)
	}
	if reviewer.Permissions["grep"] != permission.Always {
		t.Fatalf("levels must parse case-insensitively: %v", reviewer.Permissions)
	}
	if reviewer.Source != filepath.Join(root, "reviewer", profileFileName) {
		t.Fatalf("source = %q", reviewer.Source)
	}
}

func TestLoadSkipsInvalidYAML(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "broken", profileFileName), "---\nname: [unclosed\n---\nbody\n")
	writeFile(t, filepath.Join(root, "ok.yaml"), "name: ok\n")

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	profiles, err := Load(root, log)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Name != "ok" {
		t.Fatalf("profiles = %+v", profiles)
	}
	if !strings.Contains(buf.String(), "skip invalid profile") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}

func TestLoadDuplicateAndMissing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.yaml"), "name: same\n")
	writeFile(t, filepath.Join(root, "b.yml"), "name: same\n")
	if _, err := Load(root, nil); err == nil || !strings.Contains(err.Error(), "duplicate profile name") {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	profiles, err := Load(filepath.Join(root, "missing"), nil)
	if err != nil || profiles != nil {
		t.Fatalf("missing dir = %v, %v", profiles, err)
	}
}

func TestManagerLoadDirOverridesBuiltin(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "default.yaml"), "description: custom default\nauto_approve: true\n")
	m := NewManager()
	n, err := m.LoadDir(root, nil)
	if err != nil || n != 1 {
		t.Fatalf("LoadDir = %d, %v", n, err)
	}
	p, _ := m.Get(Default)
	if p.Description != "custom default" || !p.AutoApprove {
		t.Fatalf("default not overridden: %+v", p)
	}
}
