package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawloop/internal/config"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/mcp"
	"github.com/stellarlinkco/clawloop/internal/profile"
	"github.com/stellarlinkco/clawloop/internal/runtime"
	"github.com/stellarlinkco/clawloop/internal/store"
)

var errNoAPIKey = errors.New("API key not set. Run 'clawloop onboard' or set CLAWLOOP_API_KEY / ANTHROPIC_API_KEY / OPENAI_API_KEY")

// RuntimeFactory builds the runtime for a command. Tests replace it to
// inject a scripted backend.
type RuntimeFactory func(ctx context.Context, cfg *config.Config, opts runtime.Options) (*runtime.Runtime, error)

// DefaultRuntimeFactory builds a runtime against the configured provider.
func DefaultRuntimeFactory(ctx context.Context, cfg *config.Config, opts runtime.Options) (*runtime.Runtime, error) {
	if opts.Backend == nil && cfg.Provider.APIKey == "" {
		return nil, errNoAPIKey
	}
	return runtime.New(ctx, cfg, opts)
}

// AgentOptions carries the injectable dependencies of the CLI.
type AgentOptions struct {
	RuntimeFactory RuntimeFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

func (o AgentOptions) withDefaults() AgentOptions {
	if o.RuntimeFactory == nil {
		o.RuntimeFactory = DefaultRuntimeFactory
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

type cli struct {
	opts       AgentOptions
	configPath string
}

func newRootCmd(opts AgentOptions) *cobra.Command {
	c := &cli{opts: opts.withDefaults()}

	root := &cobra.Command{
		Use:           "clawloop",
		Short:         "clawloop - agent loop runtime with tools, profiles and MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(c.opts.Stdin)
	root.SetOut(c.opts.Stdout)
	root.SetErr(c.opts.Stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file (default ~/.clawloop/config.json)")

	root.AddCommand(
		c.runCmd(),
		c.profilesCmd(),
		c.mcpCmd(),
		c.sessionsCmd(),
		&cobra.Command{
			Use:   "onboard",
			Short: "Initialize config and workspace",
			RunE:  c.runOnboard,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show clawloop status",
			RunE:  c.runStatus,
		},
	)
	return root
}

func main() {
	root := newRootCmd(AgentOptions{})
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadConfigFrom(c.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) logger(cfg *config.Config) (*slog.Logger, error) {
	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: c.opts.Stderr})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}

func (c *cli) profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List builtin and user profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			mgr := profile.NewManager()
			if _, err := mgr.LoadDir(cfg.ProfilesDir(), logger.Discard()); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tSAFETY\tDESCRIPTION")
			for _, p := range mgr.List() {
				name := p.Name
				if name == cfg.Agent.Profile {
					name += " *"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, p.Kind, p.Safety, p.Description)
			}
			return w.Flush()
		},
	}
}

func (c *cli) mcpCmd() *cobra.Command {
	mcpRoot := &cobra.Command{Use: "mcp", Short: "Inspect configured MCP servers"}
	var timeout time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "Connect to every configured server and list its tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.MCP.Servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No MCP servers configured.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := mcp.NewClient(mcp.Options{Logger: logger.Discard(), Servers: cfg.MCP.Servers})
			defer func() {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				_ = client.Shutdown(shutdownCtx)
			}()

			out := cmd.OutOrStdout()
			for _, srv := range cfg.MCP.Servers {
				if srv.Disabled {
					fmt.Fprintf(out, "%s (%s): disabled\n", srv.Name, srv.Transport)
					continue
				}
				execs, err := client.ServerExecutors(ctx, srv)
				state := client.State(srv.Name)
				if err != nil {
					fmt.Fprintf(out, "%s (%s): %s: %v\n", srv.Name, srv.Transport, state, err)
					continue
				}
				fmt.Fprintf(out, "%s (%s): %s, %d tools\n", srv.Name, srv.Transport, state, len(execs))
				for _, exec := range execs {
					desc := exec.Descriptor()
					fmt.Fprintf(out, "  %s\t%s\n", desc.Name, firstLine(desc.Description))
				}
			}
			return nil
		},
	}
	list.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall discovery timeout")
	mcpRoot.AddCommand(list)
	return mcpRoot
}

func (c *cli) sessionsCmd() *cobra.Command {
	var (
		limit  int
		search string
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, or search their messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.StorePath()
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions stored yet.")
				return nil
			}
			st, err := store.Open(path, logger.Discard())
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if strings.TrimSpace(search) != "" {
				hits, err := st.Search(cmd.Context(), search, limit)
				if err != nil {
					return err
				}
				for _, h := range hits {
					fmt.Fprintf(out, "%s #%d %s: %s\n", h.SessionID, h.Seq, h.Role, h.Snippet)
				}
				if len(hits) == 0 {
					fmt.Fprintln(out, "No matches.")
				}
				return nil
			}

			sessions, err := st.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions stored yet.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROFILE\tSTATUS\tTURNS\tCOST\tUPDATED")
			for _, s := range sessions {
				id := s.ID
				if s.ParentID != "" {
					id = "  " + id
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%s\n", id, s.Profile, s.Status, s.Turns, s.Cost, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().StringVar(&search, "search", "", "Full text search over stored messages")
	return cmd
}

func (c *cli) runOnboard(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(cfg.ProfilesDir(), 0o755); err != nil {
		return fmt.Errorf("create profiles dir: %w", err)
	}
	writeIfNotExists(out, filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(out, filepath.Join(cfg.ProfilesDir(), "reviewer", "PROFILE.md"), defaultReviewerProfile)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CLAWLOOP_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'clawloop run -m \"Hello\"' to test")
	return nil
}

func (c *cli) runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	path := c.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Fprintf(out, "Config: %s\n", path)
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Profile: %s\n", cfg.Agent.Profile)
	fmt.Fprintf(out, "Limits: turns=%s price=%s\n", limitDisplay(float64(cfg.Agent.MaxTurns), "%.0f"), limitDisplay(cfg.Agent.MaxPrice, "$%.2f"))

	enabled := 0
	for _, srv := range cfg.MCP.Servers {
		if !srv.Disabled {
			enabled++
		}
	}
	fmt.Fprintf(out, "MCP servers: %d configured, %d enabled\n", len(cfg.MCP.Servers), enabled)

	if !cfg.Store.Enabled {
		fmt.Fprintln(out, "Store: disabled")
	} else {
		fmt.Fprintf(out, "Store: %s\n", cfg.StorePath())
	}
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(out, "Metrics: %s\n", cfg.Metrics.Addr)
	}
	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Fprintln(out, "Workspace: not found (run 'clawloop onboard')")
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func limitDisplay(v float64, format string) string {
	if v <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf(format, v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return
		}
		_ = os.WriteFile(path, []byte(content), 0o644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# Workspace notes

You are clawloop, a coding assistant working inside this workspace.

## Guidelines
- Read before you write; prefer small, reviewable changes
- Use grep and read_file to gather context before running commands
- Delegate broad exploration to the explore subagent with the task tool
`

const defaultReviewerProfile = `---
name: reviewer
display_name: Reviewer
description: Read-only code review
safety: safe
read_only: true
auto_approve: true
enabled_tools: [read_file, grep, task]
allow_delegation: true
---
You review code in this workspace. Report concrete problems with file and line
references, most severe first. Do not modify files.
`
