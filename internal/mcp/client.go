package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/logger"
)

const defaultShutdownTimeout = 5 * time.Second

var tracer = otel.Tracer("clawloop/mcp")

// Options configures a Client.
type Options struct {
	Logger  *slog.Logger
	Metrics Observer
	// OnTransition is called after every state change, outside any lock.
	OnTransition func(server string, from, to State)
	// OnToolsChanged is called when a server announces a new tool list.
	OnToolsChanged func(server string)

	ClientName    string
	ClientVersion string

	// Servers are registered up front so Shutdown and Servers see them
	// before first use.
	Servers []config.ServerConfig
	Dialer  Dialer
	// ShutdownTimeout bounds the close of each server. Default 5s.
	ShutdownTimeout time.Duration
}

// CallResult is the outcome of one remote tool call.
type CallResult struct {
	Text       string
	Structured any
	IsError    bool
}

// Content renders the result for the model: structured content as JSON
// when present, text blocks otherwise.
func (r CallResult) Content() string {
	if r.Structured != nil {
		if data, err := json.Marshal(r.Structured); err == nil {
			return string(data)
		}
	}
	return r.Text
}

// ServerStatus is a point-in-time view of one server.
type ServerStatus struct {
	Name      string
	Transport string
	State     State
	Tools     int
	Err       error
}

type server struct {
	mu       sync.Mutex
	cfg      config.ServerConfig
	state    State
	session  *mcpsdk.ClientSession
	cancel   context.CancelFunc
	closer   io.Closer
	tools    []*mcpsdk.Tool
	stale    bool
	err      error
	inflight int

	shutdown sync.Once
}

// Client owns every server connection. Sessions live until Invalidate or
// Shutdown, independent of the contexts of the calls that opened them.
type Client struct {
	opts  Options
	log   *slog.Logger
	obs   Observer
	dial  Dialer
	group singleflight.Group

	mu      sync.Mutex
	servers map[string]*server
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
	bg        sync.WaitGroup
}

// NewClient builds a client. Nothing is started until first use.
func NewClient(opts Options) *Client {
	c := &Client{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger).With("component", "mcp"),
		obs:     opts.Metrics,
		dial:    opts.Dialer,
		servers: make(map[string]*server),
	}
	if c.obs == nil {
		c.obs = nopObserver{}
	}
	if c.dial == nil {
		c.dial = DefaultDialer
	}
	if c.opts.ClientName == "" {
		c.opts.ClientName = "clawloop"
	}
	if c.opts.ClientVersion == "" {
		c.opts.ClientVersion = "dev"
	}
	if c.opts.ShutdownTimeout <= 0 {
		c.opts.ShutdownTimeout = defaultShutdownTimeout
	}
	for _, cfg := range opts.Servers {
		if _, err := c.server(cfg); err != nil {
			c.log.Warn("skip mcp server", "server", cfg.Name, "error", err)
		}
	}
	return c
}

func (c *Client) server(cfg config.ServerConfig) (*server, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if s, ok := c.servers[cfg.Name]; ok {
		s.mu.Lock()
		if s.state == StateDisconnected {
			s.cfg = cfg
		}
		s.mu.Unlock()
		return s, nil
	}
	s := &server{cfg: cfg, state: StateDisconnected}
	c.servers[cfg.Name] = s
	return s, nil
}

func (c *Client) lookup(name string) (*server, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[name]
	return s, ok
}

func (c *Client) isClosed() bool { return c.closed.Load() }

// setState must be called with s.mu held. The returned func publishes the
// transition and must be called after the lock is released.
func (c *Client) setState(s *server, to State) func() {
	from := s.state
	if from == to {
		return func() {}
	}
	s.state = to
	name := s.cfg.Name
	return func() { c.notify(name, from, to) }
}

func (c *Client) notify(name string, from, to State) {
	c.obs.ServerState(name, to)
	c.log.Debug("mcp state", "server", name, "from", from, "to", to)
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(name, from, to)
	}
}

// Tools returns the server's tool list, starting the server if needed.
// Concurrent first uses share one startup.
func (c *Client) Tools(ctx context.Context, cfg config.ServerConfig) ([]*mcpsdk.Tool, error) {
	s, err := c.server(cfg)
	if err != nil {
		return nil, err
	}
	if tools, ok, err := cached(s); ok || err != nil {
		return tools, err
	}

	ch := c.group.DoChan(s.cfg.Name, func() (any, error) { return c.start(s) })
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]*mcpsdk.Tool)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cached(s *server) ([]*mcpsdk.Tool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady, StateInvoking:
		if !s.stale {
			return slices.Clone(s.tools), true, nil
		}
	case StateDegraded:
		return nil, false, &ServerError{Server: s.cfg.Name, State: s.state, Err: errors.Join(ErrServerDegraded, s.err)}
	case StateShuttingDown:
		return nil, false, ErrClientClosed
	}
	return nil, false, nil
}

// start runs once per server name at a time, detached from any caller.
func (c *Client) start(s *server) ([]*mcpsdk.Tool, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if tools, ok, err := cached(s); ok || err != nil {
		return tools, err
	}

	s.mu.Lock()
	if (s.state == StateReady || s.state == StateInvoking) && s.session != nil {
		session := s.session
		timeout := s.cfg.StartupTimeoutDuration()
		s.mu.Unlock()
		return c.refresh(s, session, timeout)
	}
	cfg := s.cfg
	publish := c.setState(s, StateStarting)
	s.mu.Unlock()
	publish()

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeoutDuration())
	defer cancel()
	ctx, span := tracer.Start(ctx, "mcp.connect")
	span.SetAttributes(attribute.String("mcp.server", cfg.Name), attribute.String("mcp.transport", cfg.Transport))
	defer span.End()

	session, dialCancel, closer, tools, err := c.connect(ctx, s, cfg)
	elapsed := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.obs.Startup(cfg.Name, false, elapsed)
		c.log.Warn("mcp server failed to start", "server", cfg.Name, "transport", cfg.Transport,
			"elapsed", elapsed.Round(time.Millisecond), "error", err)

		s.mu.Lock()
		if c.isClosed() {
			publish := c.settleClosed(s)
			s.mu.Unlock()
			publish()
			return nil, ErrClientClosed
		}
		s.err = err
		publish := c.setState(s, StateDegraded)
		s.mu.Unlock()
		publish()
		return nil, &ServerError{Server: cfg.Name, State: StateDegraded, Err: errors.Join(ErrServerDegraded, err)}
	}

	s.mu.Lock()
	if c.isClosed() {
		publish := c.settleClosed(s)
		s.mu.Unlock()
		publish()
		closeQuietly(session, dialCancel, closer)
		return nil, ErrClientClosed
	}
	s.session, s.cancel, s.closer = session, dialCancel, closer
	s.tools, s.stale, s.err = tools, false, nil
	publish = c.setState(s, StateReady)
	s.mu.Unlock()
	publish()

	c.obs.Startup(cfg.Name, true, elapsed)
	c.log.Info("mcp server ready", "server", cfg.Name, "tools", len(tools), "elapsed", elapsed.Round(time.Millisecond))
	return tools, nil
}

// settleClosed returns a startup that lost the race with Shutdown to
// disconnected. A server still shutting down is left to shutdownServer.
// Callers hold s.mu.
func (c *Client) settleClosed(s *server) func() {
	if s.state == StateShuttingDown {
		return func() {}
	}
	return c.setState(s, StateDisconnected)
}

type dialResult struct {
	session *mcpsdk.ClientSession
	err     error
}

func (c *Client) connect(ctx context.Context, s *server, cfg config.ServerConfig) (*mcpsdk.ClientSession, context.CancelFunc, io.Closer, []*mcpsdk.Tool, error) {
	transport, closer, err := c.dial(cfg, c.log)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	name := cfg.Name
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    c.opts.ClientName,
		Version: c.opts.ClientVersion,
	}, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcpsdk.ToolListChangedRequest) {
			c.toolsChanged(name)
		},
	})

	// The SSE stream and the child process are bound to the connect ctx,
	// so they get their own ctx that only the startup deadline can cancel
	// before Connect returns.
	dialCtx, dialCancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, dialCancel)

	// A cancelled stdio Connect only returns once the process is torn
	// down, which takes seconds. The deadline is reported without waiting
	// for it and the teardown finishes in the background.
	dialed := make(chan dialResult, 1)
	go func() {
		session, err := client.Connect(dialCtx, transport, nil)
		dialed <- dialResult{session: session, err: err}
	}()
	var res dialResult
	select {
	case res = <-dialed:
	case <-ctx.Done():
		dialCancel()
		c.goBackground(func() {
			late := <-dialed
			closeQuietly(late.session, nil, closer)
		})
		return nil, nil, nil, nil, fmt.Errorf("connect: no response within %s: %w", cfg.StartupTimeoutDuration(), ctx.Err())
	}
	session, err := res.session, res.err
	if !stop() || err != nil {
		dialCancel()
		if err == nil {
			_ = session.Close()
			err = ctx.Err()
		}
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, nil, nil, fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	publish := func() {}
	if !c.isClosed() {
		publish = c.setState(s, StateDiscoveringTools)
	}
	s.mu.Unlock()
	publish()

	tools, err := listTools(ctx, session)
	if err != nil {
		closeQuietly(session, dialCancel, closer)
		return nil, nil, nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return session, dialCancel, closer, tools, nil
}

func (c *Client) refresh(s *server, session *mcpsdk.ClientSession, timeout time.Duration) ([]*mcpsdk.Tool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tools, err := listTools(ctx, session)
	if err != nil {
		c.log.Warn("mcp tool refresh failed", "server", s.cfg.Name, "error", err)
		return nil, &ServerError{Server: s.cfg.Name, State: c.State(s.cfg.Name), Err: err}
	}
	s.mu.Lock()
	if s.session == session {
		s.tools, s.stale = tools, false
	}
	s.mu.Unlock()
	return tools, nil
}

func listTools(ctx context.Context, session *mcpsdk.ClientSession) ([]*mcpsdk.Tool, error) {
	var tools []*mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

func (c *Client) toolsChanged(name string) {
	s, ok := c.lookup(name)
	if !ok {
		return
	}
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	c.log.Info("mcp tool list changed", "server", name)
	if c.opts.OnToolsChanged == nil {
		return
	}
	// The handler may call back into the session, which must not happen on
	// the notification goroutine.
	c.goBackground(func() { c.opts.OnToolsChanged(name) })
}

// goBackground runs fn on a goroutine that Shutdown waits for.
func (c *Client) goBackground(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

// Call invokes tool on the server, connecting first if needed.
func (c *Client) Call(ctx context.Context, cfg config.ServerConfig, tool string, args map[string]any) (CallResult, error) {
	if _, err := c.Tools(ctx, cfg); err != nil {
		return CallResult{}, err
	}
	s, _ := c.lookup(cfg.Name)

	s.mu.Lock()
	if (s.state != StateReady && s.state != StateInvoking) || s.session == nil {
		state := s.state
		s.mu.Unlock()
		return CallResult{}, &ServerError{Server: cfg.Name, State: state, Err: errors.New("not ready")}
	}
	session := s.session
	timeout := s.cfg.ToolTimeoutDuration()
	s.inflight++
	publish := c.setState(s, StateInvoking)
	s.mu.Unlock()
	publish()

	defer func() {
		s.mu.Lock()
		s.inflight--
		publish := func() {}
		if s.inflight == 0 && s.state == StateInvoking {
			publish = c.setState(s, StateReady)
		}
		s.mu.Unlock()
		publish()
	}()

	if args == nil {
		args = map[string]any{}
	}
	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx, span := tracer.Start(callCtx, "mcp.call")
	span.SetAttributes(attribute.String("mcp.server", cfg.Name), attribute.String("mcp.tool", tool))
	defer span.End()

	res, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	elapsed := time.Since(started)
	if err != nil {
		status := "error"
		switch {
		case ctx.Err() != nil:
			status = "cancelled"
			err = ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			status = "timeout"
			err = fmt.Errorf("tool %s timed out after %s: %w", tool, timeout, err)
		case errors.Is(err, mcpsdk.ErrConnectionClosed) || errors.Is(err, io.EOF):
			c.degrade(s, session, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		c.obs.Call(cfg.Name, tool, status, elapsed)
		return CallResult{}, &ServerError{Server: cfg.Name, State: StateInvoking, Err: err}
	}

	out := convertResult(res)
	status := "ok"
	if out.IsError {
		status = "tool_error"
	}
	c.obs.Call(cfg.Name, tool, status, elapsed)
	return out, nil
}

// degrade marks a server whose connection dropped mid-session.
func (c *Client) degrade(s *server, session *mcpsdk.ClientSession, cause error) {
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return
	}
	cancel, closer := s.cancel, s.closer
	s.session, s.cancel, s.closer, s.tools = nil, nil, nil, nil
	s.err = cause
	publish := c.setState(s, StateDegraded)
	s.mu.Unlock()
	publish()

	c.log.Warn("mcp server connection lost", "server", s.cfg.Name, "error", cause)
	c.goBackground(func() { closeQuietly(session, cancel, closer) })
}

func convertResult(res *mcpsdk.CallToolResult) CallResult {
	if res == nil {
		return CallResult{}
	}
	parts := make([]string, 0, len(res.Content))
	for _, block := range res.Content {
		switch v := block.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		case *mcpsdk.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcpsdk.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcpsdk.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource %s]", v.URI))
		case *mcpsdk.EmbeddedResource:
			if v.Resource != nil && v.Resource.Text != "" {
				parts = append(parts, v.Resource.Text)
			} else if v.Resource != nil {
				parts = append(parts, fmt.Sprintf("[resource %s]", v.Resource.URI))
			}
		default:
			if data, err := json.Marshal(block); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return CallResult{
		Text:       strings.Join(parts, "\n"),
		Structured: res.StructuredContent,
		IsError:    res.IsError,
	}
}

// Invalidate drops the session and tool cache of name. The next use starts
// the server again, which also clears a degraded state.
func (c *Client) Invalidate(name string) {
	s, ok := c.lookup(name)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	session, cancel, closer := s.session, s.cancel, s.closer
	s.session, s.cancel, s.closer, s.tools, s.err, s.stale = nil, nil, nil, nil, nil, false
	publish := c.setState(s, StateDisconnected)
	s.mu.Unlock()
	publish()
	c.group.Forget(name)
	closeQuietly(session, cancel, closer)
}

// State reports the state of name, or StateDisconnected when unknown.
func (c *Client) State(name string) State {
	s, ok := c.lookup(name)
	if !ok {
		return StateDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Servers lists every known server sorted by name.
func (c *Client) Servers() []ServerStatus {
	c.mu.Lock()
	servers := make([]*server, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.mu.Unlock()

	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		s.mu.Lock()
		out = append(out, ServerStatus{
			Name:      s.cfg.Name,
			Transport: s.cfg.Transport,
			State:     s.state,
			Tools:     len(s.tools),
			Err:       s.err,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown closes every server in parallel. Each server passes through
// shutting_down to disconnected exactly once, started or not. Later calls
// return the first result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		servers := make([]*server, 0, len(c.servers))
		for _, s := range c.servers {
			servers = append(servers, s)
		}
		c.mu.Unlock()

		var (
			mu   sync.Mutex
			errs []error
			g    errgroup.Group
		)
		for _, s := range servers {
			g.Go(func() error {
				if err := c.shutdownServer(ctx, s); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		done := make(chan struct{})
		go func() {
			c.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Client) shutdownServer(ctx context.Context, s *server) error {
	var err error
	s.shutdown.Do(func() {
		s.mu.Lock()
		name := s.cfg.Name
		session, cancel, closer := s.session, s.cancel, s.closer
		s.session, s.cancel, s.closer, s.tools = nil, nil, nil, nil
		publish := c.setState(s, StateShuttingDown)
		s.mu.Unlock()
		publish()

		done := make(chan error, 1)
		go func() {
			var closeErr error
			if session != nil {
				closeErr = session.Close()
			}
			if cancel != nil {
				cancel()
			}
			if closer != nil {
				_ = closer.Close()
			}
			done <- closeErr
		}()

		timer := time.NewTimer(c.opts.ShutdownTimeout)
		defer timer.Stop()
		select {
		case closeErr := <-done:
			if closeErr != nil {
				c.log.Debug("mcp session close", "server", name, "error", closeErr)
			}
		case <-timer.C:
			err = fmt.Errorf("mcp: server %s did not close within %s", name, c.opts.ShutdownTimeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			c.log.Warn("mcp server shutdown", "server", name, "error", err)
		}

		s.mu.Lock()
		publish = c.setState(s, StateDisconnected)
		s.mu.Unlock()
		publish()
	})
	return err
}

func closeQuietly(session *mcpsdk.ClientSession, cancel context.CancelFunc, closer io.Closer) {
	if session != nil {
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
}
