package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

// remoteExecutor forwards invocations of one namespaced tool to its server.
type remoteExecutor struct {
	client *Client
	cfg    config.ServerConfig
	remote string
	desc   tool.Descriptor
}

// ToolName is the registry name of a remote tool: {server}_{tool},
// normalised to [A-Za-z0-9_-].
func ToolName(server, name string) string {
	return config.NormalizeServerName(server + "_" + name)
}

func newRemoteExecutor(c *Client, cfg config.ServerConfig, t *mcpsdk.Tool) (*remoteExecutor, error) {
	schema, err := tool.SchemaToMap(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.Name, err)
	}
	desc := fmt.Sprintf("[%s] %s", cfg.Name, strings.TrimSpace(t.Description))
	if cfg.Prompt != "" {
		desc += "\nHint: " + cfg.Prompt
	}
	return &remoteExecutor{
		client: c,
		cfg:    cfg,
		remote: t.Name,
		desc: tool.Descriptor{
			Name:        ToolName(cfg.Name, t.Name),
			Description: desc,
			Schema:      schema,
			Permission:  permission.Ask,
			Kind:        tool.KindRemote,
			Server:      cfg.Name,
			ReadOnly:    t.Annotations != nil && t.Annotations.ReadOnlyHint,
		},
	}, nil
}

func (r *remoteExecutor) Descriptor() tool.Descriptor { return r.desc }

func (r *remoteExecutor) Invoke(ctx context.Context, call tool.Call) tool.Result {
	res, err := r.client.Call(ctx, r.cfg, r.remote, call.Arguments)
	if err != nil {
		return tool.ErrorResult("%s: %v", r.desc.Name, err)
	}
	return tool.Result{Content: res.Content(), IsError: res.IsError, Data: res.Structured}
}

// ServerExecutors starts cfg if needed and wraps its tools. Tools with a
// schema that cannot be converted are skipped.
func (c *Client) ServerExecutors(ctx context.Context, cfg config.ServerConfig) ([]tool.Executor, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	tools, err := c.Tools(ctx, cfg)
	if err != nil {
		return nil, err
	}
	out := make([]tool.Executor, 0, len(tools))
	for _, t := range tools {
		exec, err := newRemoteExecutor(c, cfg, t)
		if err != nil {
			c.log.Warn("skip mcp tool", "server", cfg.Name, "tool", t.Name, "error", err)
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

// Executors discovers every enabled server concurrently. Servers that fail
// to start are left out; their failure is logged by the startup path.
func (c *Client) Executors(ctx context.Context, cfgs []config.ServerConfig) []tool.Executor {
	results := make([][]tool.Executor, len(cfgs))
	var g errgroup.Group
	for i, cfg := range cfgs {
		if cfg.Disabled {
			continue
		}
		g.Go(func() error {
			execs, err := c.ServerExecutors(ctx, cfg)
			if err != nil {
				if !errors.Is(err, ErrServerDegraded) {
					c.log.Debug("mcp discovery", "server", cfg.Name, "error", err)
				}
				return nil
			}
			results[i] = execs
			return nil
		})
	}
	_ = g.Wait()

	var out []tool.Executor
	for _, execs := range results {
		out = append(out, execs...)
	}
	return out
}

// Sync replaces the registry entries owned by cfg with its current tools.
// It is the handler for tool list change notifications.
func (c *Client) Sync(ctx context.Context, reg *tool.Registry, cfg config.ServerConfig) error {
	execs, err := c.ServerExecutors(ctx, cfg)
	if err != nil {
		return err
	}
	return reg.Replace(cfg.Name, execs)
}
