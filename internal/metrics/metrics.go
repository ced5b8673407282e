// Package metrics exposes run, tool and MCP measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/mcp"
)

const namespace = "clawloop"

var mcpStates = []mcp.State{
	mcp.StateDisconnected,
	mcp.StateStarting,
	mcp.StateDiscoveringTools,
	mcp.StateReady,
	mcp.StateInvoking,
	mcp.StateShuttingDown,
	mcp.StateDegraded,
}

// Metrics owns a private registry so that tests and embedded runtimes do
// not collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	Turns             *prometheus.CounterVec
	ModelCallDuration prometheus.Histogram
	Tokens            *prometheus.CounterVec
	Cost              prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	Compactions       prometheus.Counter
	TerminalStatus    *prometheus.CounterVec
	MCPServerState    *prometheus.GaugeVec
	MCPStartups       *prometheus.CounterVec
	MCPStartupTime    *prometheus.HistogramVec
	MCPCallDuration   *prometheus.HistogramVec

	mu          sync.Mutex
	turnStarted map[string]time.Time
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by status (tools or final).",
		}, []string{"status"}),
		ModelCallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Time from turn start until the model response was complete.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Model tokens by direction.",
		}, []string{"direction"}),
		Cost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Accumulated model cost in USD.",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool results by tool and status (ok, error, denied).",
		}, []string{"tool", "status"}),
		ApprovalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval decisions by kind.",
		}, []string{"decision"}),
		Compactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Completed history compactions.",
		}),
		TerminalStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_status_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),
		MCPServerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mcp_server_state",
			Help:      "1 for the current lifecycle state of each MCP server, 0 otherwise.",
		}, []string{"server", "state"}),
		MCPStartups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_startups_total",
			Help:      "MCP server startups by result (ok, error).",
		}, []string{"server", "result"}),
		MCPStartupTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_startup_duration_seconds",
			Help:      "Time to connect to an MCP server and list its tools.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
		MCPCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_call_duration_seconds",
			Help:      "Remote tool call latency by server and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "status"}),
		turnStarted: make(map[string]time.Time),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WatchBus exports the bus drop counter.
func (m *Metrics) WatchBus(b *bus.Bus) error {
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_events_total",
		Help:      "Events dropped because a subscriber queue was full.",
	}, func() float64 { return float64(b.Dropped()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Consume implements bus.Sink.
func (m *Metrics) Consume(_ context.Context, evt bus.Event) {
	switch evt.Type {
	case bus.TurnStarted:
		m.mu.Lock()
		m.turnStarted[evt.SessionID] = evt.Timestamp
		m.mu.Unlock()
	case bus.ToolCallIssued:
		m.observeModelCall(evt)
	case bus.TurnEnded:
		m.observeModelCall(evt)
		p, _ := evt.Payload.(bus.TurnPayload)
		status := "final"
		if p.ToolCalls > 0 {
			status = "tools"
		}
		m.Turns.WithLabelValues(status).Inc()
		m.Tokens.WithLabelValues("input").Add(float64(p.InputTokens))
		m.Tokens.WithLabelValues("output").Add(float64(p.OutputTokens))
		if p.Cost > 0 {
			m.Cost.Add(p.Cost)
		}
	case bus.ToolResultAvailable:
		p, _ := evt.Payload.(bus.ToolResultPayload)
		status := "ok"
		switch {
		case p.Denied:
			status = "denied"
		case p.IsError:
			status = "error"
		}
		m.ToolCalls.WithLabelValues(p.Tool, status).Inc()
	case bus.ApprovalResolved:
		p, _ := evt.Payload.(bus.ApprovalPayload)
		if p.Decision != "" {
			m.ApprovalDecisions.WithLabelValues(p.Decision).Inc()
		}
	case bus.CompactionEnded:
		m.Compactions.Inc()
	case bus.TerminalStatus:
		p, _ := evt.Payload.(bus.TerminalPayload)
		m.TerminalStatus.WithLabelValues(p.Status).Inc()
		m.mu.Lock()
		delete(m.turnStarted, evt.SessionID)
		m.mu.Unlock()
	}
}

// observeModelCall records the first event after TurnStarted that proves
// the model response was complete.
func (m *Metrics) observeModelCall(evt bus.Event) {
	m.mu.Lock()
	started, ok := m.turnStarted[evt.SessionID]
	delete(m.turnStarted, evt.SessionID)
	m.mu.Unlock()
	if ok && !started.IsZero() && evt.Timestamp.After(started) {
		m.ModelCallDuration.Observe(evt.Timestamp.Sub(started).Seconds())
	}
}

// ServerState implements mcp.Observer.
func (m *Metrics) ServerState(server string, state mcp.State) {
	for _, s := range mcpStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.MCPServerState.WithLabelValues(server, string(s)).Set(v)
	}
}

// Startup implements mcp.Observer.
func (m *Metrics) Startup(server string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.MCPStartups.WithLabelValues(server, result).Inc()
	m.MCPStartupTime.WithLabelValues(server).Observe(elapsed.Seconds())
}

// Call implements mcp.Observer.
func (m *Metrics) Call(server, _ string, status string, elapsed time.Duration) {
	m.MCPCallDuration.WithLabelValues(server, status).Observe(elapsed.Seconds())
}

// Serve exposes Handler on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	log = logger.OrDefault(log).With("component", "metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	_ bus.Sink     = (*Metrics)(nil)
	_ mcp.Observer = (*Metrics)(nil)
)
