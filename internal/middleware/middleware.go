package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/clawloop/internal/message"
	"github.com/stellarlinkco/clawloop/internal/profile"
)

// Phase selects the interception point.
type Phase string

const (
	Pre  Phase = "pre"
	Post Phase = "post"
)

// Action tells the loop what to do next.
type Action string

const (
	Continue Action = "continue"
	Inject   Action = "inject"
	Reset    Action = "reset"
	Abort    Action = "abort"
)

// Limit names the ceiling behind an Abort.
type Limit string

const (
	LimitNone  Limit = ""
	LimitTurns Limit = "turns"
	LimitPrice Limit = "price"
)

// ResetReason explains why middleware state is being cleared.
type ResetReason string

const (
	ResetCompact ResetReason = "compact"
	ResetClear   ResetReason = "clear"
)

// Stats are the running session counters.
type Stats struct {
	Turns            int
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	ContextTokens    int
	ToolsSucceeded   int
	ToolsFailed      int
	ToolsRejected    int
}

// View is the read-only state a middleware sees.
type View struct {
	Phase         Phase
	Stats         Stats
	Messages      []message.Message
	Profile       profile.Profile
	TokenEstimate int
}

// Result is a middleware decision. Message is the text to inject, or the
// summary to reset to when the producer already has one.
type Result struct {
	Action   Action
	Message  string
	Reason   string
	Limit    Limit
	Metadata map[string]any

	producer Middleware
}

// Producer returns the name of the middleware behind r, or "".
func (r Result) Producer() string {
	if r.producer == nil {
		return ""
	}
	return r.producer.Name()
}

// Middleware inspects a View and decides. Apply must not change state;
// implementations that keep state do so in Commit.
type Middleware interface {
	Name() string
	Apply(ctx context.Context, v View) Result
}

// Committer is notified when the loop acts on a result it produced.
type Committer interface {
	Commit(r Result)
}

// Resetter clears private state after compaction or a session clear.
type Resetter interface {
	Reset(reason ResetReason)
}

// Func adapts a function to Middleware.
func Func(name string, fn func(ctx context.Context, v View) Result) Middleware {
	return funcMiddleware{name: name, fn: fn}
}

type funcMiddleware struct {
	name string
	fn   func(context.Context, View) Result
}

func (f funcMiddleware) Name() string { return f.name }

func (f funcMiddleware) Apply(ctx context.Context, v View) Result { return f.fn(ctx, v) }

// Pipeline runs middlewares in construction order.
type Pipeline struct {
	middlewares []Middleware
	timeout     time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds each middleware call. A timeout becomes an Abort.
// Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// New builds a pipeline. Nil entries are dropped.
func New(mws []Middleware, opts ...Option) *Pipeline {
	filtered := make([]Middleware, 0, len(mws))
	for _, m := range mws {
		if m != nil {
			filtered = append(filtered, m)
		}
	}
	p := &Pipeline{middlewares: filtered}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Names lists the middlewares in order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.middlewares))
	for i, m := range p.middlewares {
		out[i] = m.Name()
	}
	return out
}

// Middlewares returns the middlewares in order.
func (p *Pipeline) Middlewares() []Middleware {
	return append([]Middleware(nil), p.middlewares...)
}

// Apply returns the first non-continue result for phase.
func (p *Pipeline) Apply(ctx context.Context, phase Phase, v View) Result {
	v.Phase = phase
	for _, mw := range p.middlewares {
		res := p.run(ctx, mw, v)
		if res.Action == "" {
			res.Action = Continue
		}
		if res.Action != Continue {
			res.producer = mw
			return res
		}
	}
	return Result{Action: Continue}
}

// Accept tells the producer of r that the loop acted on it.
func (p *Pipeline) Accept(r Result) {
	if c, ok := r.producer.(Committer); ok {
		c.Commit(r)
	}
}

// Reset forwards reason to every Resetter.
func (p *Pipeline) Reset(reason ResetReason) {
	for _, mw := range p.middlewares {
		if r, ok := mw.(Resetter); ok {
			r.Reset(reason)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, mw Middleware, v View) (res Result) {
	call := func(ctx context.Context) (res Result) {
		defer func() {
			if r := recover(); r != nil {
				res = Result{Action: Abort, Reason: fmt.Sprintf("middleware %s panicked: %v", mw.Name(), r)}
			}
		}()
		return mw.Apply(ctx, v)
	}
	if p.timeout <= 0 {
		return call(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- call(ctx) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Action: Abort, Reason: fmt.Sprintf("middleware %s timed out", mw.Name())}
		}
		return Result{Action: Abort, Reason: ctx.Err().Error()}
	}
}
