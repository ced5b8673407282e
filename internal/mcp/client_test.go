package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

type echoArgs struct {
	Text string `json:"text"`
}

func newEchoServer(name string) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "v0.0.1"}, nil)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{Name: "echo", Description: "Echo text"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in echoArgs) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: in.Text}}}, nil, nil
		})
	return srv
}

func memoryDialer(srv *mcpsdk.Server, dials *atomic.Int32, delay time.Duration) Dialer {
	return func(config.ServerConfig, *slog.Logger) (mcpsdk.Transport, io.Closer, error) {
		dials.Add(1)
		time.Sleep(delay)
		ct, st := mcpsdk.NewInMemoryTransports()
		if _, err := srv.Connect(context.Background(), st, nil); err != nil {
			return nil, nil, err
		}
		return ct, nil, nil
	}
}

func stdioConfig(name string) config.ServerConfig {
	return config.ServerConfig{Name: name, Transport: config.TransportStdio, Command: config.CommandLine{"fake-" + name}}
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (l *transitionLog) record(server string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, server+":"+string(from)+">"+string(to))
}

func (l *transitionLog) count(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.log {
		if e == entry {
			n++
		}
	}
	return n
}

func shutdown(t *testing.T, c *Client) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
}

func TestToolsStartsOnceForConcurrentCallers(t *testing.T) {
	var dials atomic.Int32
	var transitions transitionLog
	c := NewClient(Options{
		Logger:       logger.Discard(),
		Dialer:       memoryDialer(newEchoServer("docs"), &dials, 30*time.Millisecond),
		OnTransition: transitions.record,
	})
	shutdown(t, c)

	cfg := stdioConfig("docs")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := c.Tools(context.Background(), cfg)
			if err == nil && len(tools) != 1 {
				err = errors.New("unexpected tool count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
	}

	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if got := transitions.count("docs:disconnected>starting"); got != 1 {
		t.Fatalf("starting transitions = %d, log = %v", got, transitions.log)
	}
	if got := transitions.count("docs:discovering_tools>ready"); got != 1 {
		t.Fatalf("ready transitions = %d, log = %v", got, transitions.log)
	}
	if c.State("docs") != StateReady {
		t.Fatalf("state = %s", c.State("docs"))
	}
}

func TestCallRoundTrip(t *testing.T) {
	var dials atomic.Int32
	var transitions transitionLog
	c := NewClient(Options{
		Logger:       logger.Discard(),
		Dialer:       memoryDialer(newEchoServer("docs"), &dials, 0),
		OnTransition: transitions.record,
	})
	shutdown(t, c)

	res, err := c.Call(context.Background(), stdioConfig("docs"), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Text != "hi" || res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if transitions.count("docs:ready>invoking") != 1 || transitions.count("docs:invoking>ready") != 1 {
		t.Fatalf("transitions = %v", transitions.log)
	}
	if c.State("docs") != StateReady {
		t.Fatalf("state = %s", c.State("docs"))
	}
}

func TestExecutorsNamespaceRemoteTools(t *testing.T) {
	var dials atomic.Int32
	c := NewClient(Options{Logger: logger.Discard(), Dialer: memoryDialer(newEchoServer("docs"), &dials, 0)})
	shutdown(t, c)

	cfg := stdioConfig("docs")
	cfg.Prompt = "use for docs"
	disabled := stdioConfig("off")
	disabled.Disabled = true

	execs := c.Executors(context.Background(), []config.ServerConfig{cfg, disabled})
	if len(execs) != 1 {
		t.Fatalf("executors = %d", len(execs))
	}
	desc := execs[0].Descriptor()
	if desc.Name != "docs_echo" || desc.Kind != tool.KindRemote || desc.Server != "docs" {
		t.Fatalf("descriptor = %+v", desc)
	}
	if desc.Description != "[docs] Echo text\nHint: use for docs" {
		t.Fatalf("description = %q", desc.Description)
	}
	if desc.Permission != permission.Ask {
		t.Fatalf("permission = %s", desc.Permission)
	}
	if desc.Schema["type"] != "object" {
		t.Fatalf("schema = %v", desc.Schema)
	}

	reg := tool.NewRegistry()
	if err := reg.Replace("docs", execs); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	res := execs[0].Invoke(context.Background(), tool.Call{ID: "1", Name: desc.Name, Arguments: map[string]any{"text": "pong"}})
	if res.IsError || res.Content != "pong" {
		t.Fatalf("invoke = %+v", res)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d", dials.Load())
	}
}

func TestStartupFailureDegradesUntilInvalidate(t *testing.T) {
	var dials atomic.Int32
	fail := true
	var mu sync.Mutex
	srv := newEchoServer("flaky")
	ok := memoryDialer(srv, &dials, 0)
	c := NewClient(Options{
		Logger: logger.Discard(),
		Dialer: func(cfg config.ServerConfig, log *slog.Logger) (mcpsdk.Transport, io.Closer, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				dials.Add(1)
				return nil, nil, errors.New("exec: not found")
			}
			return ok(cfg, log)
		},
	})
	shutdown(t, c)

	cfg := stdioConfig("flaky")
	if _, err := c.Tools(context.Background(), cfg); !errors.Is(err, ErrServerDegraded) {
		t.Fatalf("first err = %v", err)
	}
	_, err := c.Call(context.Background(), cfg, "echo", nil)
	var serr *ServerError
	if !errors.As(err, &serr) || serr.State != StateDegraded {
		t.Fatalf("call err = %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("degraded server dialed again: %d", dials.Load())
	}
	if execs := c.Executors(context.Background(), []config.ServerConfig{cfg}); len(execs) != 0 {
		t.Fatalf("degraded server contributed %d tools", len(execs))
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	c.Invalidate("flaky")
	if c.State("flaky") != StateDisconnected {
		t.Fatalf("state after invalidate = %s", c.State("flaky"))
	}
	if _, err := c.Tools(context.Background(), cfg); err != nil {
		t.Fatalf("after invalidate: %v", err)
	}
	if dials.Load() != 2 {
		t.Fatalf("dials = %d", dials.Load())
	}
}

func TestShutdownTransitionsEveryServerOnce(t *testing.T) {
	var dials atomic.Int32
	var transitions transitionLog
	c := NewClient(Options{
		Logger:       logger.Discard(),
		Dialer:       memoryDialer(newEchoServer("docs"), &dials, 0),
		OnTransition: transitions.record,
		Servers:      []config.ServerConfig{stdioConfig("docs"), stdioConfig("idle")},
	})
	if _, err := c.Tools(context.Background(), stdioConfig("docs")); err != nil {
		t.Fatalf("Tools: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	for _, want := range []string{
		"docs:ready>shutting_down",
		"docs:shutting_down>disconnected",
		"idle:disconnected>shutting_down",
		"idle:shutting_down>disconnected",
	} {
		if got := transitions.count(want); got != 1 {
			t.Fatalf("%s seen %d times, log = %v", want, got, transitions.log)
		}
	}
	if _, err := c.Tools(context.Background(), stdioConfig("docs")); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Tools after shutdown = %v", err)
	}
}

func TestToolListChangedInvalidatesCache(t *testing.T) {
	var dials atomic.Int32
	srv := newEchoServer("docs")
	changed := make(chan string, 4)
	c := NewClient(Options{
		Logger:         logger.Discard(),
		Dialer:         memoryDialer(srv, &dials, 0),
		OnToolsChanged: func(server string) { changed <- server },
	})
	shutdown(t, c)

	cfg := stdioConfig("docs")
	if tools, err := c.Tools(context.Background(), cfg); err != nil || len(tools) != 1 {
		t.Fatalf("Tools = %d, %v", len(tools), err)
	}

	mcpsdk.AddTool(srv, &mcpsdk.Tool{Name: "upper", Description: "Upper-case text"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in echoArgs) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: strings.ToUpper(in.Text)}}}, nil, nil
		})

	select {
	case server := <-changed:
		if server != "docs" {
			t.Fatalf("changed server = %s", server)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tool list change notification")
	}

	tools, err := c.Tools(context.Background(), cfg)
	if err != nil || len(tools) != 2 {
		t.Fatalf("refreshed tools = %d, %v", len(tools), err)
	}
	if dials.Load() != 1 {
		t.Fatalf("refresh reconnected: dials = %d", dials.Load())
	}
}

func TestStreamableHTTPInjectsAPIKey(t *testing.T) {
	srv := newEchoServer("remote")
	var seen atomic.Value
	handler := mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	t.Setenv("CLAWLOOP_TEST_KEY", "s3cret")
	c := NewClient(Options{Logger: logger.Discard()})
	shutdown(t, c)

	cfg := config.ServerConfig{
		Name:      "remote",
		Transport: config.TransportStreamableHTTP,
		URL:       ts.URL,
		APIKeyEnv: "CLAWLOOP_TEST_KEY",
	}
	res, err := c.Call(context.Background(), cfg, "echo", map[string]any{"text": "over http"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Text != "over http" {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := seen.Load().(string); got != "Bearer s3cret" {
		t.Fatalf("authorization = %q", got)
	}
}

func TestSSETransport(t *testing.T) {
	srv := newEchoServer("legacy")
	ts := httptest.NewServer(mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil))
	// registered first so it runs after the client has hung up
	t.Cleanup(ts.Close)

	c := NewClient(Options{Logger: logger.Discard()})
	shutdown(t, c)

	cfg := config.ServerConfig{Name: "legacy", URL: ts.URL}
	tools, err := c.Tools(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %v", tools)
	}
	servers := c.Servers()
	if len(servers) != 1 || servers[0].Transport != config.TransportHTTP || servers[0].State != StateReady {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestHeaderRoundTripperKeepsExplicitHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer ts.Close()

	client := headerClient(map[string]string{"Authorization": "Bearer injected", "X-Team": "core"})
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Authorization", "Bearer explicit")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if got.Get("Authorization") != "Bearer explicit" || got.Get("X-Team") != "core" {
		t.Fatalf("headers = %v", got)
	}
}

func TestCallResultContent(t *testing.T) {
	tests := []struct {
		name string
		res  *mcpsdk.CallToolResult
		want string
		err  bool
	}{
		{
			name: "text blocks joined",
			res: &mcpsdk.CallToolResult{Content: []mcpsdk.Content{
				&mcpsdk.TextContent{Text: "a"},
				&mcpsdk.TextContent{Text: "b"},
			}},
			want: "a\nb",
		},
		{
			name: "structured preferred",
			res: &mcpsdk.CallToolResult{
				Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: "ignored"}},
				StructuredContent: map[string]any{"count": 2},
			},
			want: `{"count":2}`,
		},
		{
			name: "error flag kept",
			res:  &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "boom"}}, IsError: true},
			want: "boom",
			err:  true,
		},
		{
			name: "image placeholder",
			res:  &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.ImageContent{MIMEType: "image/png", Data: []byte{1, 2}}}},
			want: "[image image/png, 2 bytes]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := convertResult(tt.res)
			if out.Content() != tt.want || out.IsError != tt.err {
				t.Fatalf("got %q (error=%v)", out.Content(), out.IsError)
			}
		})
	}
}

func TestMergeEnvAppendsSortedOverrides(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin"}, map[string]string{"B": "2", "A": "1"})
	if strings.Join(got, ",") != "PATH=/bin,A=1,B=2" {
		t.Fatalf("env = %v", got)
	}
}

type callRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *callRecorder) ServerState(string, State)          {}
func (r *callRecorder) Startup(string, bool, time.Duration) {}

func (r *callRecorder) Call(_, _ string, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestSilentStdioServerFailsWithinStartupTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	c := NewClient(Options{Logger: logger.Discard()})
	t.Cleanup(func() {
		// the abandoned process is torn down in the background
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	cfg := config.ServerConfig{
		Name:           "silent",
		Transport:      config.TransportStdio,
		Command:        config.CommandLine{"sleep", "30"},
		StartupTimeout: 0.5,
		ToolTimeout:    0.5,
	}
	started := time.Now()
	_, err := c.Call(context.Background(), cfg, "anything", nil)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrServerDegraded) {
		t.Fatalf("err = %v, want degraded", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("call took %s, want about the 500ms startup timeout", elapsed)
	}
	if c.State("silent") != StateDegraded {
		t.Fatalf("state = %s", c.State("silent"))
	}
}

func TestCallTimesOutAfterToolTimeout(t *testing.T) {
	srv := newEchoServer("slow")
	mcpsdk.AddTool(srv, &mcpsdk.Tool{Name: "hang", Description: "Never answers"},
		func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ echoArgs) (*mcpsdk.CallToolResult, any, error) {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			return &mcpsdk.CallToolResult{}, nil, nil
		})
	var dials atomic.Int32
	rec := &callRecorder{}
	c := NewClient(Options{Logger: logger.Discard(), Metrics: rec, Dialer: memoryDialer(srv, &dials, 0)})
	shutdown(t, c)

	cfg := stdioConfig("slow")
	cfg.ToolTimeout = 0.1
	started := time.Now()
	_, err := c.Call(context.Background(), cfg, "hang", map[string]any{"text": "x"})
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("call took %s", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}

	rec.mu.Lock()
	statuses := append([]string(nil), rec.statuses...)
	rec.mu.Unlock()
	if len(statuses) != 1 || statuses[0] != "timeout" {
		t.Fatalf("statuses = %v", statuses)
	}
	if c.State("slow") != StateReady {
		t.Fatalf("state after timeout = %s", c.State("slow"))
	}
}

func TestShutdownDuringStartupLeavesServerDisconnected(t *testing.T) {
	var dials atomic.Int32
	var transitions transitionLog
	c := NewClient(Options{
		Logger:       logger.Discard(),
		Dialer:       memoryDialer(newEchoServer("slow"), &dials, 200*time.Millisecond),
		OnTransition: transitions.record,
	})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Tools(context.Background(), stdioConfig("slow"))
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errs; !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Tools err = %v", err)
	}

	if got := c.State("slow"); got != StateDisconnected {
		t.Fatalf("state = %s, log = %v", got, transitions.log)
	}
	if got := transitions.count("slow:starting>discovering_tools"); got != 0 {
		t.Fatalf("discovery published after shutdown, log = %v", transitions.log)
	}
}
