package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

const bashWaitDelay = 2 * time.Second

type bashArgs struct {
	Command string `mapstructure:"command"`
	// Timeout is in seconds.
	Timeout float64 `mapstructure:"timeout"`
}

func newBashTool(ws *workspace, defaultTimeout time.Duration) tool.Executor {
	return tool.Local(tool.Descriptor{
		Name: Bash,
		Description: fmt.Sprintf("Run a shell command with sh -c in the workspace directory. "+
			"stdout and stderr are captured. The default timeout is %s.", defaultTimeout),
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "The command line to run."},
				"timeout": map[string]any{"type": "number", "description": "Timeout in seconds.", "minimum": 0},
			},
			"required": []any{"command"},
		},
		Permission: permission.Ask,
	}, func(ctx context.Context, call tool.Call) tool.Result {
		var args bashArgs
		if err := decode(call.Arguments, &args); err != nil {
			return tool.ErrorResult("%s: %v", Bash, err)
		}
		if strings.TrimSpace(args.Command) == "" {
			return tool.ErrorResult("%s: command is required", Bash)
		}
		timeout := defaultTimeout
		if args.Timeout > 0 {
			timeout = time.Duration(args.Timeout * float64(time.Second))
		}
		return ws.runShell(ctx, args.Command, timeout)
	})
}

func (w *workspace) runShell(ctx context.Context, command string, timeout time.Duration) tool.Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = w.root
	cmd.WaitDelay = bashWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		w.log.Warn("command timed out", "timeout", timeout)
		return tool.Result{
			Content: truncate(formatShell(stdout.String(), stderr.String(), -1) + fmt.Sprintf("\ncommand timed out after %s", timeout)),
			IsError: true,
			Data:    map[string]any{"exit_code": -1, "timed_out": true},
		}
	case ctx.Err() != nil:
		return tool.ErrorResult("%s: %v", Bash, ctx.Err())
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case err != nil:
		return tool.ErrorResult("%s: %v", Bash, err)
	}

	w.log.Debug("command finished", "exit_code", exitCode, "duration", elapsed)
	return tool.Result{
		Content: truncate(formatShell(stdout.String(), stderr.String(), exitCode)),
		IsError: exitCode != 0,
		Data:    map[string]any{"exit_code": exitCode, "duration_ms": elapsed.Milliseconds()},
	}
}

func formatShell(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(strings.TrimRight(stdout, "\n"))
		b.WriteString("\n")
	}
	if stderr != "" {
		b.WriteString("[stderr]\n")
		b.WriteString(strings.TrimRight(stderr, "\n"))
		b.WriteString("\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code %d]", exitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return strings.TrimRight(b.String(), "\n")
}
