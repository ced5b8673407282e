package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stellarlinkco/clawloop/internal/approval"
	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/mcp"
	"github.com/stellarlinkco/clawloop/internal/message"
	"github.com/stellarlinkco/clawloop/internal/middleware"
	"github.com/stellarlinkco/clawloop/internal/model"
	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/profile"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

var (
	ErrNilBackend  = errors.New("agent: backend is nil")
	ErrNilRegistry = errors.New("agent: registry is nil")
	// ErrBusy is returned when Run is called while another run is active.
	ErrBusy = errors.New("agent: run already in progress")
)

const (
	defaultFanOut      = 4
	defaultGracePeriod = 2 * time.Second
	streamBuffer       = 256
)

// Status is the terminal status of a run.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusTurnLimit  Status = "turn_limit"
	StatusPriceLimit Status = "price_limit"
	StatusCancelled  Status = "cancelled"
	StatusFatalError Status = "fatal_error"
)

// State is the loop's position in the turn state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingModel        State = "awaiting_model"
	StateStreamingResponse    State = "streaming_response"
	StateResolvingPermissions State = "resolving_permissions"
	StateAwaitingApproval     State = "awaiting_approval"
	StateExecutingTools       State = "executing_tools"
	StateTerminal             State = "terminal"
)

// Outcome summarises a finished run.
type Outcome struct {
	Status       Status
	Reason       string
	Turns        int
	Cost         float64
	FinalMessage string
	Err          error
}

// Deps are the collaborators of a loop. MCP, Registry and Bus are shared
// with delegated children; everything else a child gets fresh.
type Deps struct {
	Backend  model.Backend
	Registry *tool.Registry
	MCP      *mcp.Client
	Profiles *profile.Manager
	// Gate mediates ask decisions. Nil denies every ask.
	Gate    *approval.Gate
	Bus     *bus.Bus
	Logger  *slog.Logger
	Pricing model.Pricing
}

// Options are the session-scoped controls. Zero values fall back to the
// profile or to package defaults.
type Options struct {
	SessionID    string
	SystemPrompt string

	MaxTurns      int
	MaxPrice      float64
	EnabledTools  []string
	DisabledTools []string

	FanOut      int
	GracePeriod time.Duration
	Retry       model.RetryPolicy

	CompactThreshold int
	CompactPrompt    string
	// ContextWarnings enables the one-shot usage notice at half of
	// MaxContext, which defaults to CompactThreshold.
	ContextWarnings bool
	MaxContext      int

	MaxTokens         int
	Temperature       *float64
	MiddlewareTimeout time.Duration
	// Middleware runs after the canonical middlewares.
	Middleware []middleware.Middleware

	// ParentSessionID marks events of a delegated child run.
	ParentSessionID string
}

// Loop drives one session. Run calls are serialised; the loop owns its
// session, counters and pipeline exclusively.
type Loop struct {
	deps Deps
	opts Options
	log  *slog.Logger

	pipeline *middleware.Pipeline
	gate     *approval.Gate

	mu       sync.Mutex
	running  bool
	state    State
	profile  profile.Profile
	filter   permission.Filter
	resolver *permission.Resolver
	session  *message.Session
	stats    middleware.Stats
	injected map[int64]bool

	stream chan<- bus.Event
}

// New builds a loop for prof.
func New(deps Deps, prof profile.Profile, opts Options) (*Loop, error) {
	if deps.Backend == nil {
		return nil, ErrNilBackend
	}
	if deps.Registry == nil {
		return nil, ErrNilRegistry
	}
	if deps.Profiles == nil {
		deps.Profiles = profile.NewManager()
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = model.DefaultRetryPolicy()
	}
	if opts.CompactPrompt == "" {
		opts.CompactPrompt = defaultCompactPrompt
	}
	if opts.MaxContext <= 0 {
		opts.MaxContext = opts.CompactThreshold
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = prof.MaxTurns
	}
	if opts.MaxPrice <= 0 {
		opts.MaxPrice = prof.MaxPrice
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = prof.SystemPrompt
	}

	gate := deps.Gate
	if gate == nil {
		gate = approval.NewGate(nil, approval.WithWaitTimeout(0), approval.WithLogger(deps.Logger))
	}

	l := &Loop{
		deps:     deps,
		opts:     opts,
		log:      logger.OrDefault(deps.Logger).With("component", "agent"),
		gate:     gate,
		state:    StateIdle,
		session:  message.NewSession(opts.SessionID),
		injected: make(map[int64]bool),
	}
	if err := l.applyProfile(prof); err != nil {
		return nil, err
	}

	canonical := middleware.Options{
		MaxTurns:         opts.MaxTurns,
		MaxPrice:         opts.MaxPrice,
		CompactThreshold: opts.CompactThreshold,
	}
	if opts.ContextWarnings {
		canonical.WarnPercent = 0.5
		canonical.MaxContext = opts.MaxContext
	}
	var pipeOpts []middleware.Option
	if opts.MiddlewareTimeout > 0 {
		pipeOpts = append(pipeOpts, middleware.WithTimeout(opts.MiddlewareTimeout))
	}
	mws := middleware.Canonical(canonical).Middlewares()
	l.pipeline = middleware.New(append(mws, opts.Middleware...), pipeOpts...)
	return l, nil
}

func (l *Loop) applyProfile(prof profile.Profile) error {
	resolver, err := permission.NewResolver(prof.Policy())
	if err != nil {
		return fmt.Errorf("agent: profile %s: %w", prof.Name, err)
	}
	filter, err := prof.Filter(l.opts.EnabledTools, l.opts.DisabledTools)
	if err != nil {
		return fmt.Errorf("agent: profile %s: %w", prof.Name, err)
	}
	l.profile, l.resolver, l.filter = prof, resolver, filter
	return nil
}

// SessionID returns the id of the current session.
func (l *Loop) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.ID()
}

// Session returns the current session.
func (l *Loop) Session() *message.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Profile returns the active profile.
func (l *Loop) Profile() profile.Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile.Clone()
}

// Stats returns the session counters.
func (l *Loop) Stats() middleware.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Gate returns the approval gate of this loop.
func (l *Loop) Gate() *approval.Gate { return l.gate }

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// SwitchProfile moves the session to another profile. History and
// counters are kept; approve-always decisions are not.
func (l *Loop) SwitchProfile(name string) error {
	prof, err := l.deps.Profiles.Get(name)
	if err != nil {
		return err
	}
	if prof.IsSubagent() {
		return fmt.Errorf("agent: %s is a subagent profile", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrBusy
	}
	if err := l.applyProfile(prof); err != nil {
		return err
	}
	l.gate.Forget()
	return nil
}

// Clear starts a new session with fresh counters and middleware state.
func (l *Loop) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrBusy
	}
	l.session = message.NewSession("")
	l.stats = middleware.Stats{}
	l.injected = make(map[int64]bool)
	l.pipeline.Reset(middleware.ResetClear)
	l.gate.Forget()
	return nil
}

func (l *Loop) begin(stream chan<- bus.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	l.running = true
	l.stream = stream
	return true
}

func (l *Loop) end() {
	l.mu.Lock()
	l.running = false
	l.stream = nil
	l.state = StateIdle
	l.mu.Unlock()
}

// Run appends input to the session and drives turns until a terminal
// status. The returned error is only set when the run could not start.
func (l *Loop) Run(ctx context.Context, input string) (*Outcome, error) {
	if !l.begin(nil) {
		return nil, ErrBusy
	}
	defer l.end()
	return l.run(ctx, input), nil
}

// RunStream is Run with the run's events delivered on a channel. The
// channel is closed when the run ends; wait then returns the outcome.
func (l *Loop) RunStream(ctx context.Context, input string) (<-chan bus.Event, func() *Outcome) {
	events := make(chan bus.Event, streamBuffer)
	done := make(chan struct{})
	var out *Outcome

	if !l.begin(events) {
		close(events)
		out = &Outcome{Status: StatusFatalError, Reason: ErrBusy.Error(), Err: ErrBusy}
		close(done)
		return events, func() *Outcome { return out }
	}
	go func() {
		defer close(done)
		defer close(events)
		defer l.end()
		out = l.run(ctx, input)
	}()
	return events, func() *Outcome {
		<-done
		return out
	}
}

func (l *Loop) run(ctx context.Context, input string) *Outcome {
	ctx = logger.WithSession(ctx, l.session.ID())
	if input != "" {
		l.session.Append(message.NewText(message.RoleUser, input))
	}

	out := l.drive(ctx)
	out.Turns, out.Cost = l.stats.Turns, l.stats.Cost
	if out.FinalMessage == "" {
		out.FinalMessage = l.lastAssistantText()
	}

	l.setState(StateTerminal)
	log := logger.FromContext(ctx, l.log)
	if out.Status == StatusFatalError {
		log.Error("run ended", "status", out.Status, "reason", out.Reason, "turns", out.Turns)
	} else {
		log.Info("run ended", "status", out.Status, "turns", out.Turns, "cost", out.Cost)
	}
	l.emit(ctx, bus.TerminalStatus, bus.TerminalPayload{
		Status: string(out.Status),
		Reason: out.Reason,
		Turns:  out.Turns,
		Cost:   out.Cost,
	})
	return out
}

// drive runs turns until one of them ends the run.
func (l *Loop) drive(ctx context.Context) *Outcome {
	for {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		l.setState(StateAwaitingModel)
		if out := l.applyMiddleware(ctx, middleware.Pre); out != nil {
			return out
		}

		turnCtx := logger.WithTurn(ctx, l.stats.Turns+1)
		done, out := l.turn(turnCtx)
		if out != nil {
			return out
		}

		if out := l.applyMiddleware(ctx, middleware.Post); out != nil {
			return out
		}
		if done {
			return &Outcome{Status: StatusCompleted}
		}
	}
}

func cancelled(err error) *Outcome {
	return &Outcome{Status: StatusCancelled, Reason: "User cancelled the operation.", Err: err}
}

func fatal(err error) *Outcome {
	return &Outcome{Status: StatusFatalError, Reason: err.Error(), Err: err}
}

func (l *Loop) lastAssistantText() string {
	msgs := l.session.Snapshot()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleAssistant {
			if text := msgs[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// emit publishes on the bus and, during RunStream, on the run's channel.
func (l *Loop) emit(ctx context.Context, typ bus.EventType, payload any) {
	l.mu.Lock()
	evt := bus.Event{
		Type:      typ,
		SessionID: l.session.ID(),
		ParentID:  l.opts.ParentSessionID,
		Turn:      l.stats.Turns,
		Payload:   payload,
	}
	stream := l.stream
	l.mu.Unlock()

	if l.deps.Bus != nil {
		if err := l.deps.Bus.Publish(evt); err != nil && !errors.Is(err, bus.ErrClosed) {
			l.log.Debug("publish event", "type", typ, "error", err)
		}
	}
	if stream == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case stream <- evt:
		return
	case <-ctx.Done():
	}
	if typ != bus.TerminalStatus {
		return
	}
	// a cancelled run still owes its consumer the terminal event
	timer := time.NewTimer(l.opts.GracePeriod)
	defer timer.Stop()
	select {
	case stream <- evt:
	case <-timer.C:
		l.log.Warn("stream consumer not draining, terminal event dropped", "session", evt.SessionID)
	}
}

func (l *Loop) updateStats(fn func(*middleware.Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}
