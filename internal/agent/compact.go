package agent

import (
	"context"
	"strings"

	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/message"
	"github.com/stellarlinkco/clawloop/internal/middleware"
	"github.com/stellarlinkco/clawloop/internal/model"
)

const (
	defaultCompactPrompt = "Summarize the conversation so far so that work can continue from the summary alone. " +
		"Keep the user's goals, decisions made, files and tools involved, open problems and the next steps. " +
		"Reply with the summary only."

	lastRequestMarker   = "Last request from user was:"
	firstSummaryHeader  = "The first session's summary:"
	latestSummaryHeader = "Last session's summary:"
)

// reset acts on a Reset result. A clear empties the history; anything else
// compacts it into a single summary message.
func (l *Loop) reset(ctx context.Context, res middleware.Result) error {
	if middleware.ResetReason(res.Reason) == middleware.ResetClear {
		l.session.Reset()
		l.injected = make(map[int64]bool)
		l.pipeline.Reset(middleware.ResetClear)
		l.updateStats(func(s *middleware.Stats) { s.ContextTokens = 0 })
		return nil
	}

	oldTokens := l.session.TokenEstimate()
	if n, ok := res.Metadata["old_tokens"].(int); ok && n > oldTokens {
		oldTokens = n
	}
	l.emit(ctx, bus.CompactionStarted, bus.CompactionPayload{OldTokens: oldTokens})

	summary := res.Message
	if summary == "" {
		var err error
		if summary, err = l.compactSummary(ctx); err != nil {
			return err
		}
	}

	l.session.Reset(message.NewText(message.RoleUser, summary))
	l.injected = make(map[int64]bool)
	l.pipeline.Reset(middleware.ResetCompact)
	newTokens := l.session.TokenEstimate()
	l.updateStats(func(s *middleware.Stats) { s.ContextTokens = newTokens })

	logger.FromContext(ctx, l.log).Info("session compacted", "old_tokens", oldTokens, "new_tokens", newTokens)
	l.emit(ctx, bus.CompactionEnded, bus.CompactionPayload{OldTokens: oldTokens, NewTokens: newTokens, Summary: summary})
	return nil
}

// compactSummary asks the backend to summarise the history. The last real
// user request and any earlier summary are carried into the result.
func (l *Loop) compactSummary(ctx context.Context) (string, error) {
	history := l.session.Snapshot()
	lastRequest, previous := l.lastRequest(history)

	msgs := message.FillMissingResults(history)
	msgs = append(msgs, message.NewText(message.RoleUser, l.opts.CompactPrompt))
	req := model.Request{
		System:      l.opts.SystemPrompt,
		Messages:    msgs,
		MaxTokens:   l.opts.MaxTokens,
		Temperature: l.opts.Temperature,
		SessionID:   l.session.ID(),
	}
	resp, err := model.Retry(ctx, l.opts.Retry, logger.FromContext(ctx, l.log),
		func(ctx context.Context, _ int) (*model.Response, error) {
			call := model.Start(ctx, l.deps.Backend, req)
			for range call.Chunks() {
			}
			return call.Wait()
		})
	if err != nil {
		return "", err
	}

	cost := l.deps.Pricing.Cost(resp.Usage)
	l.updateStats(func(s *middleware.Stats) {
		s.PromptTokens += resp.Usage.InputTokens
		s.CompletionTokens += resp.Usage.OutputTokens
		s.Cost += cost
	})

	summary := strings.TrimSpace(resp.Message.Text())
	if lastRequest != "" {
		summary += "\n\n" + lastRequestMarker + " " + lastRequest
	}
	if previous != "" {
		summary = firstSummaryHeader + "\n\n" + previous + "\n\n" + latestSummaryHeader + "\n\n" + summary
	}
	return summary, nil
}

// lastRequest finds the newest user text that is neither a middleware
// injection nor a tool message. When it is an earlier summary, the
// summary body is returned as previous.
func (l *Loop) lastRequest(history []message.Message) (request, previous string) {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != message.RoleUser || l.injected[msg.ID] {
			continue
		}
		text := msg.Text()
		if text == "" {
			continue
		}
		body, req, ok := strings.Cut(text, lastRequestMarker)
		if !ok {
			return text, ""
		}
		previous = strings.TrimSpace(body)
		// only the first summary survives repeated compactions
		if first, _, found := strings.Cut(previous, latestSummaryHeader); found {
			previous = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(first), firstSummaryHeader))
		}
		return strings.TrimSpace(req), previous
	}
	return "", ""
}
