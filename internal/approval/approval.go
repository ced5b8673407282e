package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/clawloop/internal/logger"
)

// Decision is a user's answer to an approval request.
type Decision string

const (
	ApproveOnce   Decision = "approve-once"
	ApproveAlways Decision = "approve-always"
	Deny          Decision = "deny"
	Cancel        Decision = "cancel"
)

// Approved reports whether the call may run.
func (d Decision) Approved() bool { return d == ApproveOnce || d == ApproveAlways }

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case ApproveOnce, ApproveAlways, Deny, Cancel:
		return true
	}
	return false
}

// NotPermitted is the feedback attached to denials nobody answered.
const NotPermitted = "Tool execution not permitted."

// DefaultWaitTimeout bounds how long a ticket waits for an async consumer
// to pick it up.
const DefaultWaitTimeout = 30 * time.Second

// ErrGateClosed is returned by Request after Close.
var ErrGateClosed = errors.New("approval: gate closed")

// Request describes a tool call awaiting a decision.
type Request struct {
	ID        string
	SessionID string
	CallID    string
	Tool      string
	Arguments map[string]any
	Summary   string
	CreatedAt time.Time
}

// Response answers a Request.
type Response struct {
	Decision Decision
	Feedback string
}

// Responder answers requests synchronously.
type Responder interface {
	Respond(ctx context.Context, req Request) (Response, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request) (Response, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// AutoResponder answers every request with d.
func AutoResponder(d Decision) Responder {
	return ResponderFunc(func(context.Context, Request) (Response, error) {
		return Response{Decision: d}, nil
	})
}

// Ticket is one outstanding request. Resolve may be called from any
// goroutine; only the first call has an effect.
type Ticket struct {
	req   Request
	once  sync.Once
	done  chan struct{}
	reply Response
}

func newTicket(req Request) *Ticket {
	return &Ticket{req: req, done: make(chan struct{})}
}

// Request returns the request being decided.
func (t *Ticket) Request() Request { return t.req }

// Resolve answers the ticket. It reports whether this call won.
func (t *Ticket) Resolve(resp Response) bool {
	won := false
	t.once.Do(func() {
		if !resp.Decision.Valid() {
			resp.Decision = Deny
		}
		t.reply = resp
		close(t.done)
		won = true
	})
	return won
}

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Response blocks until the ticket is resolved.
func (t *Ticket) Response() Response {
	<-t.done
	return t.reply
}

// Record is one entry of the decision history.
type Record struct {
	Request    Request
	Response   Response
	ResolvedAt time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithWaitTimeout sets how long an unanswered ticket waits for an async
// consumer. Zero means the ticket is denied unless a consumer is already
// waiting on Pending.
func WithWaitTimeout(d time.Duration) Option {
	return func(g *Gate) { g.waitTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger.OrDefault(l) }
}

// WithHistoryLimit caps the number of retained records.
func WithHistoryLimit(n int) Option {
	return func(g *Gate) { g.historyLimit = n }
}

// Gate serialises approval requests for one session. Synchronous
// responders and asynchronous ticket consumers share the same memo and
// cancellation rules.
type Gate struct {
	responder    Responder
	pending      chan *Ticket
	waitTimeout  time.Duration
	historyLimit int
	logger       *slog.Logger

	mu          sync.Mutex
	memo        map[string]struct{}
	history     []Record
	outstanding map[*Ticket]struct{}
	closed      bool
}

// NewGate builds a gate. A nil responder routes every request to Pending.
func NewGate(responder Responder, opts ...Option) *Gate {
	g := &Gate{
		responder:    responder,
		pending:      make(chan *Ticket),
		waitTimeout:  DefaultWaitTimeout,
		historyLimit: 256,
		logger:       slog.Default(),
		memo:         make(map[string]struct{}),
		outstanding:  make(map[*Ticket]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Child returns a gate with a fresh memo and history that shares the
// responder and the Pending channel.
func (g *Gate) Child() *Gate {
	return &Gate{
		responder:    g.responder,
		pending:      g.pending,
		waitTimeout:  g.waitTimeout,
		historyLimit: g.historyLimit,
		logger:       g.logger,
		memo:         make(map[string]struct{}),
		outstanding:  make(map[*Ticket]struct{}),
	}
}

// Pending delivers tickets when the gate has no responder.
func (g *Gate) Pending() <-chan *Ticket { return g.pending }

// Remembered reports whether tool was approved for the rest of the session.
func (g *Gate) Remembered(tool string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.memo[tool]
	return ok
}

// Forget clears the session memo.
func (g *Gate) Forget() {
	g.mu.Lock()
	g.memo = make(map[string]struct{})
	g.mu.Unlock()
}

// History returns resolved requests, oldest first.
func (g *Gate) History() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, len(g.history))
	copy(out, g.history)
	return out
}

// Request asks for a decision and blocks until one arrives. If ctx ends
// first the ticket resolves as Cancel and ctx's error is returned with it.
func (g *Gate) Request(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Response{Decision: Cancel}, ErrGateClosed
	}
	if _, ok := g.memo[req.Tool]; ok {
		g.mu.Unlock()
		return Response{Decision: ApproveAlways}, nil
	}
	ticket := newTicket(req)
	g.outstanding[ticket] = struct{}{}
	g.mu.Unlock()

	if g.responder != nil {
		go g.ask(ctx, ticket)
	} else {
		g.offer(ctx, ticket)
	}

	var err error
	select {
	case <-ticket.Done():
	case <-ctx.Done():
		ticket.Resolve(Response{Decision: Cancel})
		err = ctx.Err()
	}
	resp := ticket.Response()
	g.finish(ticket, resp)
	if err == nil && resp.Decision == Cancel && ctx.Err() != nil {
		err = ctx.Err()
	}
	return resp, err
}

func (g *Gate) ask(ctx context.Context, ticket *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("approval responder panicked", "tool", ticket.req.Tool, "panic", r)
			ticket.Resolve(Response{Decision: Deny, Feedback: NotPermitted})
		}
	}()
	resp, err := g.responder.Respond(ctx, ticket.req)
	if err != nil {
		if ctx.Err() != nil {
			ticket.Resolve(Response{Decision: Cancel})
			return
		}
		g.logger.Warn("approval responder failed", "tool", ticket.req.Tool, "error", err)
		ticket.Resolve(Response{Decision: Deny, Feedback: fmt.Sprintf("%s (%v)", NotPermitted, err)})
		return
	}
	ticket.Resolve(resp)
}

func (g *Gate) offer(ctx context.Context, ticket *Ticket) {
	if g.waitTimeout <= 0 {
		select {
		case g.pending <- ticket:
		default:
			ticket.Resolve(Response{Decision: Deny, Feedback: NotPermitted})
		}
		return
	}
	timer := time.NewTimer(g.waitTimeout)
	defer timer.Stop()
	select {
	case g.pending <- ticket:
	case <-timer.C:
		g.logger.Warn("approval request not picked up", "tool", ticket.req.Tool, "timeout", g.waitTimeout)
		ticket.Resolve(Response{Decision: Deny, Feedback: NotPermitted})
	case <-ctx.Done():
		ticket.Resolve(Response{Decision: Cancel})
	}
}

func (g *Gate) finish(ticket *Ticket, resp Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.outstanding, ticket)
	if resp.Decision == ApproveAlways {
		g.memo[ticket.req.Tool] = struct{}{}
	}
	g.history = append(g.history, Record{Request: ticket.req, Response: resp, ResolvedAt: time.Now()})
	if g.historyLimit > 0 && len(g.history) > g.historyLimit {
		g.history = append([]Record(nil), g.history[len(g.history)-g.historyLimit:]...)
	}
}

// Close cancels every outstanding ticket. Later requests fail with
// ErrGateClosed.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	tickets := make([]*Ticket, 0, len(g.outstanding))
	for t := range g.outstanding {
		tickets = append(tickets, t)
	}
	g.mu.Unlock()
	for _, t := range tickets {
		t.Resolve(Response{Decision: Cancel})
	}
}
