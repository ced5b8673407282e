package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/stellarlinkco/clawloop/internal/agent"
	"github.com/stellarlinkco/clawloop/internal/approval"
	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/middleware"
)

const previewChars = 200

// printer renders run events for a terminal. It is shared by the event
// loop and the approval prompt, so writes are serialised.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	// midLine is set while streamed text has not ended with a newline.
	midLine bool

	text    *color.Color
	reason  *color.Color
	tool    *color.Color
	ok      *color.Color
	fail    *color.Color
	warn    *color.Color
	dim     *color.Color
	heading *color.Color
}

func newPrinter(out io.Writer, noColor bool) *printer {
	p := &printer{
		out:     out,
		text:    color.New(color.Reset),
		reason:  color.New(color.FgHiBlack, color.Italic),
		tool:    color.New(color.FgCyan),
		ok:      color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		dim:     color.New(color.FgHiBlack),
		heading: color.New(color.FgMagenta, color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{p.text, p.reason, p.tool, p.ok, p.fail, p.warn, p.dim, p.heading} {
			c.DisableColor()
		}
	}
	return p
}

// breakLine ends a pending streamed line. Callers hold mu.
func (p *printer) breakLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func (p *printer) linef(c *color.Color, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	c.Fprintf(p.out, format, args...)
	fmt.Fprintln(p.out)
}

func (p *printer) event(evt bus.Event) {
	switch pl := evt.Payload.(type) {
	case bus.DeltaPayload:
		p.mu.Lock()
		c := p.text
		if pl.Kind == "reasoning" {
			c = p.reason
		}
		c.Fprint(p.out, pl.Text)
		p.midLine = !strings.HasSuffix(pl.Text, "\n")
		p.mu.Unlock()
	case bus.ToolCallPayload:
		p.linef(p.tool, "→ %s(%s)", pl.Tool, preview(argsJSON(pl.Arguments)))
	case bus.ToolResultPayload:
		switch {
		case pl.Denied:
			p.linef(p.warn, "⊘ %s denied: %s", pl.Tool, preview(pl.Content))
		case pl.IsError:
			p.linef(p.fail, "✗ %s: %s", pl.Tool, preview(pl.Content))
		default:
			p.linef(p.ok, "✓ %s %s", pl.Tool, p.dim.Sprint(preview(pl.Content)))
		}
	case bus.CompactionPayload:
		if evt.Type == bus.CompactionEnded {
			p.linef(p.dim, "context compacted: %d → %d tokens", pl.OldTokens, pl.NewTokens)
		} else {
			p.linef(p.dim, "compacting context (%d tokens)...", pl.OldTokens)
		}
	case bus.InjectionPayload:
		p.linef(p.dim, "[%s] %s", pl.Middleware, preview(pl.Text))
	case bus.ApprovalPayload:
		if evt.Type == bus.ApprovalResolved && pl.Decision != "" {
			p.linef(p.dim, "%s: %s", pl.Tool, pl.Decision)
		}
	}
}

func (p *printer) outcome(out *agent.Outcome, stats middleware.Stats) {
	if out == nil {
		return
	}
	switch out.Status {
	case agent.StatusCompleted:
		p.linef(p.dim, "(%d turns, %d tokens, $%.4f)", out.Turns, stats.PromptTokens+stats.CompletionTokens, out.Cost)
	case agent.StatusCancelled:
		p.linef(p.warn, "cancelled after %d turns", out.Turns)
	case agent.StatusTurnLimit, agent.StatusPriceLimit:
		p.linef(p.warn, "stopped: %s (%d turns, $%.4f)", out.Reason, out.Turns, out.Cost)
	default:
		p.linef(p.fail, "error: %s", out.Reason)
	}
}

func (p *printer) stats(s middleware.Stats) {
	p.linef(p.dim, "turns=%d prompt=%d completion=%d context=%d cost=$%.4f tools ok=%d failed=%d rejected=%d",
		s.Turns, s.PromptTokens, s.CompletionTokens, s.ContextTokens, s.Cost, s.ToolsSucceeded, s.ToolsFailed, s.ToolsRejected)
}

func (p *printer) approval(req approval.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	p.warn.Fprintf(p.out, "? allow %s(%s) ", req.Tool, preview(argsJSON(req.Arguments)))
	p.dim.Fprint(p.out, "[Y]es/[a]lways/[n]o [reason]/[c]ancel: ")
}

func (p *printer) banner(loop *agent.Loop) {
	p.linef(p.heading, "clawloop %s (type 'exit' to quit, /help for commands)", loop.Profile().Label())
}

func (p *printer) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	fmt.Fprint(p.out, "\n> ")
}

func (p *printer) infof(format string, args ...any)  { p.linef(p.dim, format, args...) }
func (p *printer) errorf(format string, args ...any) { p.linef(p.fail, format, args...) }

func argsJSON(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}
