// Package runtime assembles the bus, tool registry, MCP client, profiles,
// persistence and metrics into sessions ready to run.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/clawloop/internal/agent"
	"github.com/stellarlinkco/clawloop/internal/approval"
	"github.com/stellarlinkco/clawloop/internal/builtin"
	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/mcp"
	"github.com/stellarlinkco/clawloop/internal/metrics"
	"github.com/stellarlinkco/clawloop/internal/model"
	"github.com/stellarlinkco/clawloop/internal/profile"
	"github.com/stellarlinkco/clawloop/internal/store"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

const (
	defaultCloseTimeout = 10 * time.Second
	syncTimeout         = 30 * time.Second
)

// workspaceContextFiles are appended to every system prompt when present
// in the workspace root.
var workspaceContextFiles = []string{"AGENTS.md", "CLAWLOOP.md"}

// Options carries the collaborators a caller may replace.
type Options struct {
	// Backend overrides the configured provider.
	Backend model.Backend
	// Responder answers approval requests. Nil routes them to each
	// session gate's Pending channel.
	Responder approval.Responder
	// Sinks are attached to the bus in addition to store and metrics.
	Sinks  []bus.Sink
	Logger *slog.Logger
	// Dialer overrides how MCP transports are opened.
	Dialer mcp.Dialer
	// SkipDiscovery leaves MCP servers unstarted until first use.
	SkipDiscovery bool
}

// Overrides are per-session controls layered over the profile and config.
type Overrides struct {
	SessionID     string
	MaxTurns      int
	MaxPrice      float64
	EnabledTools  []string
	DisabledTools []string
}

// Runtime owns every long-lived collaborator. It is safe for concurrent
// use; sessions built from it share the registry, MCP client and bus.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	Bus      *bus.Bus
	Registry *tool.Registry
	MCP      *mcp.Client
	Profiles *profile.Manager
	Metrics  *metrics.Metrics
	// Store is nil when persistence is disabled.
	Store *store.Store

	backend   model.Backend
	pricing   model.Pricing
	retry     model.RetryPolicy
	responder approval.Responder
	context   string
	detach    []func()

	closeOnce sync.Once
	closeErr  error
}

// New builds a runtime from cfg. MCP servers are discovered concurrently
// unless opts.SkipDiscovery is set; servers that fail to start are logged
// and left out of the registry.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: config is nil")
	}
	log := logger.OrDefault(opts.Logger)

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = model.NewFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("runtime: create backend: %w", err)
		}
	}

	r := &Runtime{
		cfg:       cfg,
		log:       log.With("component", "runtime"),
		Bus:       bus.New(bus.WithLogger(log)),
		Registry:  tool.NewRegistry(),
		Profiles:  profile.NewManager(),
		Metrics:   metrics.New(),
		backend:   backend,
		pricing:   model.PricingFromConfig(cfg),
		retry:     model.RetryPolicyFromConfig(cfg),
		responder: opts.Responder,
	}
	fail := func(err error) (*Runtime, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
		defer cancel()
		_ = r.Close(closeCtx)
		return nil, err
	}

	if err := r.Metrics.WatchBus(r.Bus); err != nil {
		return fail(fmt.Errorf("runtime: metrics: %w", err))
	}
	r.detach = append(r.detach, r.Bus.Attach(r.Metrics))

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.StorePath(), log)
		if err != nil {
			return fail(fmt.Errorf("runtime: open store: %w", err))
		}
		r.Store = st
		r.detach = append(r.detach, r.Bus.Attach(st))
	}
	for _, sink := range opts.Sinks {
		r.detach = append(r.detach, r.Bus.Attach(sink))
	}

	if n, err := r.Profiles.LoadDir(cfg.ProfilesDir(), log); err != nil {
		return fail(fmt.Errorf("runtime: load profiles: %w", err))
	} else if n > 0 {
		r.log.Info("profiles loaded", "count", n, "dir", cfg.ProfilesDir())
	}

	bashTimeout := time.Duration(cfg.Tools.BashTimeout) * time.Second
	if err := builtin.Register(r.Registry, builtin.Options{Root: cfg.Agent.Workspace, BashTimeout: bashTimeout, Logger: log}); err != nil {
		return fail(fmt.Errorf("runtime: builtin tools: %w", err))
	}
	if len(r.Profiles.Subagents()) > 0 {
		if err := r.Registry.Register(agent.NewTaskTool(r.Profiles, r.childOptions())); err != nil {
			return fail(fmt.Errorf("runtime: task tool: %w", err))
		}
	}

	servers := enabledServers(cfg.MCP.Servers)
	r.MCP = mcp.NewClient(mcp.Options{
		Logger:         log,
		Metrics:        r.Metrics,
		OnTransition:   r.publishServerState,
		OnToolsChanged: r.syncServer,
		Servers:        servers,
		Dialer:         opts.Dialer,
	})
	if !opts.SkipDiscovery && len(servers) > 0 {
		for _, exec := range r.MCP.Executors(ctx, servers) {
			if err := r.Registry.Register(exec); err != nil {
				r.log.Warn("skip remote tool", "tool", exec.Descriptor().Name, "error", err)
			}
		}
	}

	r.context = buildContext(cfg.Agent.Workspace, servers, r.log)
	return r, nil
}

func enabledServers(cfgs []config.ServerConfig) []config.ServerConfig {
	out := make([]config.ServerConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Disabled {
			out = append(out, c)
		}
	}
	return out
}

// buildContext joins the workspace context files and the prompts of the
// configured MCP servers.
func buildContext(workspace string, servers []config.ServerConfig, log *slog.Logger) string {
	var sb strings.Builder
	for _, name := range workspaceContextFiles {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("read workspace context", "file", name, "error", err)
			}
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	for _, srv := range servers {
		if p := strings.TrimSpace(srv.Prompt); p != "" {
			fmt.Fprintf(&sb, "# Tools from %s\n%s\n\n", srv.Name, p)
		}
	}
	return strings.TrimSpace(sb.String())
}

func (r *Runtime) publishServerState(server string, _, to mcp.State) {
	payload := bus.ServerStatePayload{Server: server, State: string(to)}
	if to == mcp.StateDegraded {
		for _, st := range r.MCP.Servers() {
			if st.Name == server && st.Err != nil {
				payload.Error = st.Err.Error()
			}
		}
	}
	_ = r.Bus.Publish(bus.Event{Type: bus.MCPServerState, Payload: payload})
}

func (r *Runtime) syncServer(name string) {
	for _, cfg := range r.cfg.MCP.Servers {
		if cfg.Name != name || cfg.Disabled {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		if err := r.MCP.Sync(ctx, r.Registry, cfg); err != nil {
			r.log.Warn("resync remote tools", "server", name, "error", err)
			return
		}
		r.log.Info("remote tools resynced", "server", name)
		return
	}
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() *config.Config { return r.cfg }

func (r *Runtime) deps(gate *approval.Gate) agent.Deps {
	return agent.Deps{
		Backend:  r.backend,
		Registry: r.Registry,
		MCP:      r.MCP,
		Profiles: r.Profiles,
		Gate:     gate,
		Bus:      r.Bus,
		Logger:   r.log,
		Pricing:  r.pricing,
	}
}

func (r *Runtime) childOptions() agent.Options {
	a := r.cfg.Agent
	return agent.Options{
		FanOut:           a.FanOut,
		GracePeriod:      a.GracePeriodDuration(),
		Retry:            r.retry,
		CompactThreshold: a.CompactThreshold,
		MaxTokens:        a.MaxTokens,
	}
}

// NewSession builds a loop for profileName, or the configured default
// profile when empty. Each session gets its own approval gate.
func (r *Runtime) NewSession(profileName string, ov Overrides) (*agent.Loop, error) {
	if profileName == "" {
		profileName = r.cfg.Agent.Profile
	}
	prof, err := r.Profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	if prof.IsSubagent() {
		return nil, fmt.Errorf("runtime: profile %q is a subagent and cannot drive a session", prof.Name)
	}

	a := r.cfg.Agent
	temp := a.Temperature
	opts := r.childOptions()
	opts.SessionID = ov.SessionID
	opts.SystemPrompt = r.systemPrompt(prof)
	opts.Temperature = &temp
	opts.ContextWarnings = a.ContextWarnings
	opts.MaxTurns = firstPositive(ov.MaxTurns, a.MaxTurns)
	opts.MaxPrice = firstPositiveFloat(ov.MaxPrice, a.MaxPrice)
	opts.EnabledTools = firstNonEmpty(ov.EnabledTools, r.cfg.Tools.Enabled)
	opts.DisabledTools = firstNonEmpty(ov.DisabledTools, r.cfg.Tools.Disabled)

	gate := approval.NewGate(r.responder, approval.WithLogger(r.log))
	return agent.New(r.deps(gate), prof, opts)
}

func (r *Runtime) systemPrompt(prof profile.Profile) string {
	parts := make([]string, 0, 2)
	if p := strings.TrimSpace(prof.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if r.context != "" {
		parts = append(parts, r.context)
	}
	return strings.Join(parts, "\n\n")
}

// Resume builds a session that continues a stored conversation.
func (r *Runtime) Resume(ctx context.Context, sessionID, profileName string, ov Overrides) (*agent.Loop, error) {
	if r.Store == nil {
		return nil, errors.New("runtime: persistence is disabled")
	}
	msgs, err := r.Store.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("runtime: session %q has no stored messages", sessionID)
	}
	ov.SessionID = sessionID
	loop, err := r.NewSession(profileName, ov)
	if err != nil {
		return nil, err
	}
	loop.Session().Reset(msgs...)
	return loop, nil
}

// Save persists the history of loop. It is a no-op when persistence is
// disabled.
func (r *Runtime) Save(ctx context.Context, loop *agent.Loop) error {
	if r.Store == nil || loop == nil {
		return nil
	}
	return r.Store.SaveSession(ctx, loop.SessionID(), loop.Profile().Name, loop.Session().Snapshot())
}

// ServeMetrics exposes the metrics endpoint until ctx ends. It returns
// immediately when no address is configured.
func (r *Runtime) ServeMetrics(ctx context.Context) error {
	if r.cfg.Metrics.Addr == "" {
		return nil
	}
	return r.Metrics.Serve(ctx, r.cfg.Metrics.Addr, r.log)
}

// Close shuts down every MCP server, drains the bus and closes the store.
// Only the first call has an effect.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.MCP != nil {
			if err := r.MCP.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("mcp shutdown: %w", err))
			}
		}
		if err := r.Bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bus close: %w", err))
		}
		for _, fn := range r.detach {
			fn()
		}
		if r.Store != nil {
			if err := r.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store close: %w", err))
			}
		}
		r.closeErr = errors.Join(errs...)
		if r.closeErr == nil {
			r.log.Info("runtime closed")
		}
	})
	return r.closeErr
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...[]string) []string {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
