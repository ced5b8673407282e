package mcp

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/logger"
)

// Dialer builds the transport for a server. The returned closer, if any,
// is released after the session is closed.
type Dialer func(cfg config.ServerConfig, log *slog.Logger) (mcpsdk.Transport, io.Closer, error)

// DefaultDialer maps the configured transport kind onto the SDK
// transports.
func DefaultDialer(cfg config.ServerConfig, log *slog.Logger) (mcpsdk.Transport, io.Closer, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return &mcpsdk.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: headerClient(cfg.HTTPHeaders()),
		}, nil, nil
	case config.TransportStreamableHTTP:
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: headerClient(cfg.HTTPHeaders()),
		}, nil, nil
	case config.TransportStdio:
		argv := cfg.Argv()
		if len(argv) == 0 {
			return nil, nil, fmt.Errorf("mcp: server %s has no command", cfg.Name)
		}
		// Not bound to any caller context: the client owns the process and
		// stops it through the session.
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Env = mergeEnv(os.Environ(), cfg.Env)
		stderr := logger.LineWriter(log, slog.LevelWarn, "mcp server stderr",
			"server", cfg.Name, "stream", "stderr")
		cmd.Stderr = stderr
		return &mcpsdk.CommandTransport{Command: cmd}, stderr, nil
	default:
		return nil, nil, fmt.Errorf("mcp: server %s has unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func headerClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return &http.Client{}
	}
	return &http.Client{Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers}}
}

// headerRoundTripper sets fixed headers on every request that does not
// already carry them.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		if clone.Header.Get(k) == "" {
			clone.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(clone)
}
