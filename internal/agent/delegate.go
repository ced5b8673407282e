package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/stellarlinkco/clawloop/internal/message"
	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/profile"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

// TaskToolName is the registry name of the delegation tool.
const TaskToolName = "task"

// taskAttempts bounds how often a subagent is asked again after an empty or
// one-line answer.
const taskAttempts = 3

const retryGuidance = `IMPORTANT: Your previous response was insufficient. Please provide a comprehensive summary with multiple paragraphs or bullet points. Include:
- What you accomplished
- Key findings or information discovered
- Any relevant code snippets, file contents, or details
- Recommendations or next steps if applicable
- Clear, actionable information for the main agent`

type parentKey struct{}

// withParent marks ctx as running tools on behalf of l.
func withParent(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, parentKey{}, l)
}

func parentFrom(ctx context.Context) *Loop {
	l, _ := ctx.Value(parentKey{}).(*Loop)
	return l
}

type taskArgs struct {
	Task  string `mapstructure:"task"`
	Agent string `mapstructure:"agent"`
}

// TaskResult is the payload returned to the parent model.
type TaskResult struct {
	Response  string `json:"response"`
	TurnsUsed int    `json:"turns_used"`
	Completed bool   `json:"completed"`
	Status    string `json:"status"`
}

type delegateExecutor struct {
	desc tool.Descriptor
	opts Options
}

// NewTaskTool returns the delegated executor. Each invocation runs a child
// loop with a subagent profile, sharing the parent's registry, MCP client,
// bus and approval responder. opts seeds the child's session controls.
func NewTaskTool(profiles *profile.Manager, opts Options) tool.Executor {
	names := make([]string, 0)
	var lines []string
	for _, p := range profiles.Subagents() {
		names = append(names, p.Name)
		lines = append(lines, fmt.Sprintf("- %s: %s", p.Name, p.Description))
	}
	sort.Strings(names)

	agentProp := map[string]any{
		"type":        "string",
		"description": "Subagent to run the task. Defaults to " + profile.Explore + ".",
	}
	if len(names) > 0 {
		enum := make([]any, len(names))
		for i, n := range names {
			enum[i] = n
		}
		agentProp["enum"] = enum
	}

	description := "Delegate a self-contained task to a subagent with its own context. " +
		"The subagent works independently and returns its final answer."
	if len(lines) > 0 {
		description += "\nAvailable subagents:\n" + strings.Join(lines, "\n")
	}

	return &delegateExecutor{
		opts: opts,
		desc: tool.Descriptor{
			Name:        TaskToolName,
			Description: description,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "The task for the subagent, with all the context it needs.",
					},
					"agent": agentProp,
				},
				"required": []any{"task"},
			},
			Permission: permission.Ask,
			Kind:       tool.KindDelegated,
			ReadOnly:   true,
		},
	}
}

func (d *delegateExecutor) Descriptor() tool.Descriptor { return d.desc }

func (d *delegateExecutor) Invoke(ctx context.Context, call tool.Call) tool.Result {
	var args taskArgs
	if err := mapstructure.Decode(call.Arguments, &args); err != nil {
		return tool.ErrorResult("task: invalid arguments: %v", err)
	}
	args.Task = strings.TrimSpace(args.Task)
	if args.Task == "" {
		return tool.ErrorResult("task: task is required")
	}
	if args.Agent == "" {
		args.Agent = profile.Explore
	}

	parent := parentFrom(ctx)
	if parent == nil {
		return tool.ErrorResult("task: no parent agent")
	}
	if !parent.profile.AllowDelegation {
		return tool.ErrorResult("task: profile %s does not allow delegation", parent.profile.Name)
	}
	prof, err := parent.deps.Profiles.Get(args.Agent)
	if err != nil {
		return tool.ErrorResult("task: unknown agent %q", args.Agent)
	}
	if !prof.IsSubagent() {
		return tool.ErrorResult("task: agent %q is not a subagent", args.Agent)
	}

	deps := parent.deps
	deps.Gate = parent.gate.Child()
	opts := d.opts
	opts.SessionID = ""
	opts.SystemPrompt = ""
	opts.EnabledTools, opts.DisabledTools = nil, nil
	opts.MaxTurns, opts.MaxPrice = 0, 0
	opts.Middleware = nil
	opts.ParentSessionID = parent.session.ID()

	child, err := New(deps, prof, opts)
	if err != nil {
		return tool.ErrorResult("task: %v", err)
	}
	parent.log.Info("delegating task", "agent", prof.Name, "child_session", child.SessionID(), "call_id", call.ID)

	var payload TaskResult
	for attempt := 0; attempt < taskAttempts; attempt++ {
		start := child.Session().Len()
		out, err := child.Run(ctx, taskInstruction(args.Task, attempt))
		if err != nil {
			return tool.ErrorResult("task: %v", err)
		}
		response, skipped := transcript(child.Session().Snapshot(), start)
		if out.Status == StatusFatalError {
			response += "\n[Subagent error: " + out.Reason + "]"
		}
		payload = TaskResult{
			Response:  response,
			TurnsUsed: child.Stats().Turns,
			Completed: out.Status == StatusCompleted && !skipped,
			Status:    string(out.Status),
		}
		if out.Status == StatusCancelled || ctx.Err() != nil {
			break
		}
		feedback := briefResponse(response)
		if feedback == "" {
			break
		}
		if attempt == taskAttempts-1 {
			payload.Completed = false
			break
		}
		parent.log.Info("subagent response insufficient, asking again",
			"agent", prof.Name, "attempt", attempt+1, "reason", feedback)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return tool.ErrorResult("task: %v", err)
	}
	return tool.Result{Content: string(data), IsError: !payload.Completed, Data: payload}
}

// taskInstruction repeats the task with guidance after an insufficient
// answer.
func taskInstruction(task string, attempt int) string {
	if attempt == 0 {
		return task
	}
	return fmt.Sprintf("%s\n\n%s\n\nThis is attempt %d of %d. Provide a complete multi-paragraph response.",
		task, retryGuidance, attempt+1, taskAttempts)
}

// transcript joins the assistant text appended to msgs since start and
// reports whether any tool call was skipped on the way.
func transcript(msgs []message.Message, start int) (string, bool) {
	if start > len(msgs) {
		// compacted during the attempt
		start = 0
	}
	var sb strings.Builder
	skipped := false
	for _, m := range msgs[start:] {
		switch m.Role {
		case message.RoleAssistant:
			sb.WriteString(m.Text())
		case message.RoleTool:
			for _, r := range m.ToolResults() {
				if r.Content == skippedContent {
					skipped = true
				}
			}
		}
	}
	return sb.String(), skipped
}

// briefResponse returns why response is not an acceptable answer, or ""
// when it spans more than one line.
func briefResponse(response string) string {
	text := strings.TrimSpace(response)
	switch {
	case text == "":
		return "Response is empty. Please provide a comprehensive summary."
	case !strings.Contains(text, "\n"):
		return "Response is too brief. Please provide a comprehensive summary with multiple paragraphs or bullet points."
	}
	return ""
}
