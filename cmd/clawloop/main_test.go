package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/clawloop/internal/approval"
	"github.com/stellarlinkco/clawloop/internal/builtin"
	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/message"
	"github.com/stellarlinkco/clawloop/internal/model"
	"github.com/stellarlinkco/clawloop/internal/runtime"
)

// scripted answers model calls in order and repeats the last reply.
type scripted struct {
	mu      sync.Mutex
	calls   int
	replies []message.Message
}

func (s *scripted) Stream(_ context.Context, _ model.Request, emit func(model.Chunk) error) (*model.Response, error) {
	s.mu.Lock()
	msg := s.replies[min(s.calls, len(s.replies)-1)]
	s.calls++
	s.mu.Unlock()
	if text := msg.Text(); text != "" {
		if err := emit(model.Chunk{Kind: model.ChunkText, Text: text}); err != nil {
			return nil, err
		}
	}
	return &model.Response{Message: msg, Usage: model.Usage{InputTokens: 100, OutputTokens: 20}}, nil
}

func clearAPIKeys(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CLAWLOOP_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "CLAWLOOP_METRICS_ADDR", "CLAWLOOP_STORE_ENABLED"} {
		t.Setenv(key, "")
	}
}

// writeConfig points HOME at a temp dir and writes a config whose paths
// all live below it.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	clearAPIKeys(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = filepath.Join(home, "workspace")
	cfg.Agent.ProfilesDir = filepath.Join(home, "profiles")
	cfg.Store.Path = filepath.Join(home, "sessions.db")
	cfg.Provider.MaxRetries = 0
	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(home, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, cfg
}

func scriptedFactory(backend model.Backend) RuntimeFactory {
	return func(ctx context.Context, cfg *config.Config, opts runtime.Options) (*runtime.Runtime, error) {
		opts.Backend = backend
		return runtime.New(ctx, cfg, opts)
	}
}

func execute(t *testing.T, opts AgentOptions, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	opts.Stdout = &stdout
	opts.Stderr = &stderr
	if opts.Stdin == nil {
		opts.Stdin = strings.NewReader("")
	}
	root := newRootCmd(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRunSingleMessage(t *testing.T) {
	path, _ := writeConfig(t)
	backend := &scripted{replies: []message.Message{message.NewAssistant("hi there", "", nil)}}

	out, err := execute(t, AgentOptions{RuntimeFactory: scriptedFactory(backend)}, "--config", path, "run", "-m", "hello", "--no-color")
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.Contains(out, "hi there") {
		t.Errorf("missing reply in output: %s", out)
	}
	if !strings.Contains(out, "(1 turns, 120 tokens") {
		t.Errorf("missing summary in output: %s", out)
	}

	out, err = execute(t, AgentOptions{}, "--config", path, "sessions")
	if err != nil {
		t.Fatalf("sessions error: %v", err)
	}
	if !strings.Contains(out, "default") {
		t.Errorf("stored session not listed: %s", out)
	}
}

func TestRunREPLPromptsForApproval(t *testing.T) {
	path, cfg := writeConfig(t)
	backend := &scripted{replies: []message.Message{
		message.NewAssistant("", "", []message.ToolCall{{ID: "c1", Name: builtin.WriteFile, Arguments: map[string]any{"path": "out.txt", "content": "x"}}}),
		message.NewAssistant("ok, skipped", "", nil),
	}}
	stdin := strings.NewReader("please write a file\nn not today\n/stats\nexit\n")

	out, err := execute(t, AgentOptions{RuntimeFactory: scriptedFactory(backend), Stdin: stdin}, "--config", path, "run", "--no-color")
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	for _, want := range []string{"? allow write_file(", "⊘ write_file denied", "ok, skipped", "turns=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Agent.Workspace, "out.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("denied write reached the workspace")
	}
}

func TestRunYoloApprovesWithoutPrompt(t *testing.T) {
	path, cfg := writeConfig(t)
	backend := &scripted{replies: []message.Message{
		message.NewAssistant("", "", []message.ToolCall{{ID: "c1", Name: builtin.WriteFile, Arguments: map[string]any{"path": "out.txt", "content": "x"}}}),
		message.NewAssistant("written", "", nil),
	}}

	out, err := execute(t, AgentOptions{RuntimeFactory: scriptedFactory(backend)}, "--config", path, "run", "-m", "write it", "--yolo", "--no-color")
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if strings.Contains(out, "? allow") {
		t.Errorf("yolo still prompted: %s", out)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Agent.Workspace, "out.txt"))
	if err != nil || string(data) != "x" {
		t.Fatalf("file = %q, err = %v", data, err)
	}
}

func TestRunLimitsFromFlags(t *testing.T) {
	path, _ := writeConfig(t)
	loopCall := message.NewAssistant("", "", []message.ToolCall{{ID: "c1", Name: builtin.Grep, Arguments: map[string]any{"pattern": "x"}}})
	backend := &scripted{replies: []message.Message{loopCall}}

	out, err := execute(t, AgentOptions{RuntimeFactory: scriptedFactory(backend)}, "--config", path, "run", "-m", "search", "--max-turns", "2", "--no-color")
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.Contains(out, "stopped:") {
		t.Errorf("expected limit stop in output: %s", out)
	}
	if backend.calls != 2 {
		t.Errorf("model calls = %d, want 2", backend.calls)
	}
}

func TestRunWithoutAPIKey(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := execute(t, AgentOptions{}, "--config", path, "run", "-m", "hello")
	if !errors.Is(err, errNoAPIKey) {
		t.Fatalf("err = %v, want errNoAPIKey", err)
	}
}

func TestProfilesCommand(t *testing.T) {
	path, cfg := writeConfig(t)
	dir := filepath.Join(cfg.Agent.ProfilesDir, "reviewer")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "PROFILE.md"), []byte(defaultReviewerProfile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	out, err := execute(t, AgentOptions{}, "--config", path, "profiles")
	if err != nil {
		t.Fatalf("profiles error: %v", err)
	}
	for _, want := range []string{"default *", "plan", "explore", "subagent", "reviewer", "Read-only code review"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMCPListWithoutServers(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := execute(t, AgentOptions{}, "--config", path, "mcp", "list")
	if err != nil {
		t.Fatalf("mcp list error: %v", err)
	}
	if !strings.Contains(out, "No MCP servers configured.") {
		t.Errorf("output = %s", out)
	}
}

func TestSessionsWithoutStore(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := execute(t, AgentOptions{}, "--config", path, "sessions")
	if err != nil {
		t.Fatalf("sessions error: %v", err)
	}
	if !strings.Contains(out, "No sessions stored yet.") {
		t.Errorf("output = %s", out)
	}
}

func TestOnboardThenStatus(t *testing.T) {
	clearAPIKeys(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	out, err := execute(t, AgentOptions{}, "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Created config") {
		t.Errorf("onboard output = %s", out)
	}
	for _, p := range []string{
		filepath.Join(home, ".clawloop", "config.json"),
		filepath.Join(home, ".clawloop", "workspace", "AGENTS.md"),
		filepath.Join(home, ".clawloop", "profiles", "reviewer", "PROFILE.md"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}

	out, _ = execute(t, AgentOptions{}, "onboard")
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("second onboard output = %s", out)
	}

	out, err = execute(t, AgentOptions{}, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"API Key: not set", "Provider: anthropic (default)", "Limits: turns=unlimited price=unlimited", "MCP servers: 0 configured"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in       string
		decision approval.Decision
		feedback string
		ok       bool
	}{
		{"", approval.ApproveOnce, "", true},
		{"Y", approval.ApproveOnce, "", true},
		{"always", approval.ApproveAlways, "", true},
		{"n use grep instead", approval.Deny, "use grep instead", true},
		{"c", approval.Cancel, "", true},
		{"maybe", "", "", false},
	}
	for _, tt := range tests {
		got, ok := parseAnswer(tt.in)
		if ok != tt.ok || got.Decision != tt.decision || got.Feedback != tt.feedback {
			t.Errorf("parseAnswer(%q) = %+v, %v", tt.in, got, ok)
		}
	}
}

func TestLineReaderKeepsLinesAfterCancel(t *testing.T) {
	pr, pw := io.Pipe()
	in := newLineReader(pr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := in.ReadLine(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline", err)
	}

	go func() {
		_, _ = io.WriteString(pw, "first\r\nsecond")
		_ = pw.Close()
	}()
	for _, want := range []string{"first", "second"} {
		line, err := in.ReadLine(context.Background())
		if err != nil || line != want {
			t.Fatalf("line = %q, err = %v, want %q", line, err, want)
		}
	}
	if _, err := in.ReadLine(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{"": "not set", "short": "set", "sk-ant-123456789": "sk-a...6789"}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
