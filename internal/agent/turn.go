package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/clawloop/internal/approval"
	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/message"
	"github.com/stellarlinkco/clawloop/internal/middleware"
	"github.com/stellarlinkco/clawloop/internal/model"
	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

const (
	interruptedContent = "<user_cancellation>Tool execution interrupted by user.</user_cancellation>"
	skippedContent     = "<user_cancellation>Tool execution skipped by user.</user_cancellation>"
)

// turn runs one model call and the tool calls it requests. done is set
// when the model asked for no tools.
func (l *Loop) turn(ctx context.Context) (done bool, out *Outcome) {
	l.emit(ctx, bus.TurnStarted, bus.TurnPayload{Profile: l.profile.Name})

	resp, err := l.callModel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, cancelled(ctx.Err())
		}
		return false, fatal(err)
	}

	assistant := l.session.Append(resp.Message)
	calls := assistant.ToolCalls()
	cost := l.deps.Pricing.Cost(resp.Usage)

	var interrupted bool
	if len(calls) > 0 {
		results, stopped := l.dispatch(ctx, calls)
		l.session.Append(message.NewToolResults(results))
		interrupted = stopped
	}

	l.updateStats(func(s *middleware.Stats) {
		s.Turns++
		s.PromptTokens += resp.Usage.InputTokens
		s.CompletionTokens += resp.Usage.OutputTokens
		s.Cost += cost
		s.ContextTokens = resp.Usage.Total()
	})
	l.emit(ctx, bus.TurnEnded, bus.TurnPayload{
		Profile:      l.profile.Name,
		ToolCalls:    len(calls),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         cost,
	})

	if interrupted {
		return false, cancelled(ctx.Err())
	}
	return len(calls) == 0, nil
}

// callModel streams one response, retrying retryable backend errors.
func (l *Loop) callModel(ctx context.Context) (*model.Response, error) {
	req := model.Request{
		System:      l.opts.SystemPrompt,
		Messages:    message.FillMissingResults(l.session.Snapshot()),
		Tools:       l.toolSpecs(),
		MaxTokens:   l.opts.MaxTokens,
		Temperature: l.opts.Temperature,
		SessionID:   l.session.ID(),
	}
	log := logger.FromContext(ctx, l.log)
	return model.Retry(ctx, l.opts.Retry, log, func(ctx context.Context, attempt int) (*model.Response, error) {
		l.setState(StateAwaitingModel)
		call := model.Start(ctx, l.deps.Backend, req)
		for chunk := range call.Chunks() {
			switch chunk.Kind {
			case model.ChunkText, model.ChunkReasoning:
				l.setState(StateStreamingResponse)
				l.emit(ctx, bus.AssistantDelta, bus.DeltaPayload{Kind: string(chunk.Kind), Text: chunk.Text})
			}
		}
		resp, err := call.Wait()
		if err != nil {
			log.Debug("model call failed", "attempt", attempt, "error", err)
		}
		return resp, err
	})
}

// toolSpecs lists the tools the model may call in the current profile.
func (l *Loop) toolSpecs() []model.ToolSpec {
	execs := l.deps.Registry.List(l.filter)
	specs := make([]model.ToolSpec, 0, len(execs))
	for _, exec := range execs {
		desc := exec.Descriptor()
		if !l.available(desc) {
			continue
		}
		specs = append(specs, model.ToolSpec{Name: desc.Name, Description: desc.Description, Schema: desc.Schema})
	}
	return specs
}

func (l *Loop) available(desc tool.Descriptor) bool {
	if !l.filter.Visible(desc.Name) {
		return false
	}
	if desc.Kind == tool.KindDelegated && !l.profile.AllowDelegation {
		return false
	}
	if l.profile.ReadOnly && !desc.ReadOnly {
		return false
	}
	return true
}

// dispatch resolves permissions call by call, runs the approved calls
// concurrently and returns exactly one result per call in request order.
// stopped reports that ctx ended before every call finished.
func (l *Loop) dispatch(ctx context.Context, calls []message.ToolCall) (results []message.ToolResult, stopped bool) {
	results = make([]message.ToolResult, len(calls))
	var (
		jobs    []tool.Job
		indices []int
		skipAll bool
	)

	l.setState(StateResolvingPermissions)
	for i, call := range calls {
		l.emit(ctx, bus.ToolCallIssued, bus.ToolCallPayload{CallID: call.ID, Tool: call.Name, Arguments: call.Arguments})

		if skipAll || ctx.Err() != nil {
			results[i] = l.reject(ctx, call, skippedContent)
			continue
		}

		exec, failure := l.prepare(call)
		if failure != "" {
			results[i] = l.fail(ctx, call, failure)
			continue
		}

		decision := l.resolver.Decide(call.Name, exec.Descriptor().Permission)
		switch decision.Level {
		case permission.Never:
			results[i] = l.reject(ctx, call, fmt.Sprintf("Tool '%s' is permanently disabled", call.Name))
			continue
		case permission.Ask:
			resp, err := l.approve(ctx, call)
			switch {
			case err != nil && ctx.Err() != nil:
				results[i] = l.reject(ctx, call, skippedContent)
				skipAll = true
				continue
			case resp.Decision == approval.Cancel:
				results[i] = l.reject(ctx, call, skippedContent)
				skipAll = true
				continue
			case !resp.Decision.Approved():
				feedback := resp.Feedback
				if feedback == "" {
					feedback = approval.NotPermitted
				}
				results[i] = l.reject(ctx, call, feedback)
				continue
			}
			l.setState(StateResolvingPermissions)
		}

		jobs = append(jobs, tool.Job{
			Executor: exec,
			Call:     tool.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments, SessionID: l.session.ID()},
		})
		indices = append(indices, i)
	}

	if len(jobs) > 0 {
		l.execute(ctx, calls, jobs, indices, results)
	}
	return results, ctx.Err() != nil
}

// prepare resolves and validates a call. A non-empty failure is the error
// result to record instead of running it.
func (l *Loop) prepare(call message.ToolCall) (tool.Executor, string) {
	exec, err := l.deps.Registry.Resolve(call.Name)
	if err != nil || !l.available(exec.Descriptor()) {
		return nil, fmt.Sprintf("<tool_error>Unknown tool: %s</tool_error>", call.Name)
	}
	if err := l.deps.Registry.Validate(exec.Descriptor(), call.Arguments); err != nil {
		return nil, fmt.Sprintf("<tool_error>%s failed: %v</tool_error>", call.Name, err)
	}
	return exec, ""
}

// approve asks the gate unless the tool was already approved for the
// session.
func (l *Loop) approve(ctx context.Context, call message.ToolCall) (approval.Response, error) {
	if l.gate.Remembered(call.Name) {
		return approval.Response{Decision: approval.ApproveAlways}, nil
	}
	l.setState(StateAwaitingApproval)
	req := approval.Request{
		ID:        fmt.Sprintf("%s-%s", l.session.ID(), call.ID),
		SessionID: l.session.ID(),
		CallID:    call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		Summary:   describeCall(call),
	}
	l.emit(ctx, bus.ApprovalRequested, bus.ApprovalPayload{
		RequestID: req.ID, CallID: call.ID, Tool: call.Name, Arguments: call.Arguments,
	})
	resp, err := l.gate.Request(ctx, req)
	l.emit(ctx, bus.ApprovalResolved, bus.ApprovalPayload{
		RequestID: req.ID, CallID: call.ID, Tool: call.Name,
		Decision: string(resp.Decision), Feedback: resp.Feedback,
	})
	return resp, err
}

func describeCall(call message.ToolCall) string {
	return tool.Truncate(fmt.Sprintf("%s(%v)", call.Name, call.Arguments), 200)
}

// execute fans the approved jobs out and waits for them. On cancellation
// it waits at most the grace period and records the stragglers as
// interrupted.
func (l *Loop) execute(ctx context.Context, calls []message.ToolCall, jobs []tool.Job, indices []int, results []message.ToolResult) {
	l.setState(StateExecutingTools)
	toolCtx := withParent(ctx, l)

	batch := tool.Start(toolCtx, l.opts.FanOut, jobs, func(_ int, o tool.Outcome) {
		l.emit(ctx, bus.ToolResultAvailable, bus.ToolResultPayload{
			CallID:   o.Call.ID,
			Tool:     o.Call.Name,
			Content:  o.Result.Content,
			IsError:  o.Result.IsError,
			Duration: o.Duration,
		})
	})

	select {
	case <-batch.Done():
	case <-ctx.Done():
		timer := time.NewTimer(l.opts.GracePeriod)
		select {
		case <-batch.Done():
		case <-timer.C:
			logger.FromContext(ctx, l.log).Warn("tool calls still running after grace period", "grace", l.opts.GracePeriod)
		}
		timer.Stop()
	}

	for j, o := range batch.Outcomes() {
		i := indices[j]
		call := calls[i]
		if !o.Done {
			results[i] = message.ToolResult{CallID: call.ID, Name: call.Name, Content: interruptedContent, IsError: true}
			l.emit(ctx, bus.ToolResultAvailable, bus.ToolResultPayload{
				CallID: call.ID, Tool: call.Name, Content: interruptedContent, IsError: true,
			})
			l.updateStats(func(s *middleware.Stats) { s.ToolsFailed++ })
			continue
		}
		results[i] = message.ToolResult{
			CallID:   call.ID,
			Name:     call.Name,
			Content:  o.Result.Content,
			IsError:  o.Result.IsError,
			Duration: o.Duration,
		}
		l.updateStats(func(s *middleware.Stats) {
			if o.Result.IsError {
				s.ToolsFailed++
			} else {
				s.ToolsSucceeded++
			}
		})
	}
}

func (l *Loop) reject(ctx context.Context, call message.ToolCall, content string) message.ToolResult {
	l.updateStats(func(s *middleware.Stats) { s.ToolsRejected++ })
	l.emit(ctx, bus.ToolResultAvailable, bus.ToolResultPayload{
		CallID: call.ID, Tool: call.Name, Content: content, IsError: true, Denied: true,
	})
	return message.ToolResult{CallID: call.ID, Name: call.Name, Content: content, IsError: true}
}

func (l *Loop) fail(ctx context.Context, call message.ToolCall, content string) message.ToolResult {
	l.updateStats(func(s *middleware.Stats) { s.ToolsFailed++ })
	l.emit(ctx, bus.ToolResultAvailable, bus.ToolResultPayload{
		CallID: call.ID, Tool: call.Name, Content: content, IsError: true,
	})
	return message.ToolResult{CallID: call.ID, Name: call.Name, Content: content, IsError: true}
}

// applyMiddleware runs phase and acts on the result. A non-nil outcome ends
// the run.
func (l *Loop) applyMiddleware(ctx context.Context, phase middleware.Phase) *Outcome {
	view := middleware.View{
		Stats:         l.Stats(),
		Messages:      l.session.Snapshot(),
		Profile:       l.profile,
		TokenEstimate: l.session.TokenEstimate(),
	}
	res := l.pipeline.Apply(ctx, phase, view)
	switch res.Action {
	case middleware.Inject:
		if res.Message != "" {
			stored := l.session.Append(message.NewText(message.RoleUser, res.Message))
			l.injected[stored.ID] = true
		}
		l.pipeline.Accept(res)
		l.emit(ctx, bus.MiddlewareInjected, bus.InjectionPayload{Middleware: res.Producer(), Text: res.Message})
	case middleware.Reset:
		l.pipeline.Accept(res)
		if err := l.reset(ctx, res); err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			return fatal(fmt.Errorf("compaction: %w", err))
		}
	case middleware.Abort:
		l.pipeline.Accept(res)
		out := &Outcome{Status: StatusFatalError, Reason: res.Reason}
		switch res.Limit {
		case middleware.LimitTurns:
			out.Status = StatusTurnLimit
		case middleware.LimitPrice:
			out.Status = StatusPriceLimit
		default:
			out.Err = fmt.Errorf("middleware %s: %s", res.Producer(), res.Reason)
		}
		return out
	}
	return nil
}
