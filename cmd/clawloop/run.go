package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawloop/internal/agent"
	"github.com/stellarlinkco/clawloop/internal/approval"
	"github.com/stellarlinkco/clawloop/internal/runtime"
)

type runFlags struct {
	message  string
	profile  string
	resume   string
	maxTurns int
	maxPrice float64
	enable   []string
	disable  []string
	yolo     bool
	noColor  bool
}

func (c *cli) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent with a single message or as a REPL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runAgent(cmd.Context(), f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.message, "message", "m", "", "Single message to send")
	flags.StringVarP(&f.profile, "profile", "p", "", "Profile to run with (default from config)")
	flags.StringVar(&f.resume, "resume", "", "Continue a stored session by id")
	flags.IntVar(&f.maxTurns, "max-turns", 0, "Stop after this many turns (0 uses config)")
	flags.Float64Var(&f.maxPrice, "max-price", 0, "Stop once the run costs this many USD (0 uses config)")
	flags.StringArrayVar(&f.enable, "enable", nil, "Only expose tools matching this pattern (repeatable)")
	flags.StringArrayVar(&f.disable, "disable", nil, "Hide tools matching this pattern (repeatable)")
	flags.BoolVar(&f.yolo, "yolo", false, "Approve every tool call without asking")
	flags.BoolVar(&f.noColor, "no-color", false, "Disable colored output")
	return cmd
}

func (c *cli) runAgent(ctx context.Context, f runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, err := c.logger(cfg)
	if err != nil {
		return err
	}

	in := newLineReader(c.opts.Stdin)
	pr := newPrinter(c.opts.Stdout, f.noColor)

	var responder approval.Responder
	if f.yolo {
		responder = approval.AutoResponder(approval.ApproveOnce)
	} else {
		responder = &promptResponder{in: in, pr: pr}
	}

	rt, err := c.opts.RuntimeFactory(ctx, cfg, runtime.Options{Responder: responder, Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Warn("runtime close", "error", err)
		}
	}()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go func() {
		if err := rt.ServeMetrics(metricsCtx); err != nil {
			log.Warn("metrics server", "error", err)
		}
	}()

	ov := runtime.Overrides{
		MaxTurns:      f.maxTurns,
		MaxPrice:      f.maxPrice,
		EnabledTools:  f.enable,
		DisabledTools: f.disable,
	}
	var loop *agent.Loop
	if f.resume != "" {
		loop, err = rt.Resume(ctx, f.resume, f.profile, ov)
	} else {
		loop, err = rt.NewSession(f.profile, ov)
	}
	if err != nil {
		return err
	}

	if f.message != "" {
		out := c.turn(ctx, rt, loop, pr, f.message)
		if out.Status == agent.StatusFatalError {
			return fmt.Errorf("agent error: %s", out.Reason)
		}
		return nil
	}
	return c.repl(ctx, rt, loop, pr, in)
}

// turn runs one input, printing its events. Ctrl-C cancels the run, not
// the process.
func (c *cli) turn(ctx context.Context, rt *runtime.Runtime, loop *agent.Loop, pr *printer, input string) *agent.Outcome {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, wait := loop.RunStream(runCtx, input)
	for evt := range events {
		pr.event(evt)
	}
	out := wait()
	pr.outcome(out, loop.Stats())

	if err := rt.Save(context.Background(), loop); err != nil {
		fmt.Fprintf(c.opts.Stderr, "save session: %v\n", err)
	}
	return out
}

func (c *cli) repl(ctx context.Context, rt *runtime.Runtime, loop *agent.Loop, pr *printer, in *lineReader) error {
	pr.banner(loop)
	for {
		pr.prompt()
		line, err := in.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/"):
			if c.command(loop, pr, input) {
				continue
			}
		}
		c.turn(ctx, rt, loop, pr, input)
	}
}

// command handles REPL slash commands and reports whether input was one.
func (c *cli) command(loop *agent.Loop, pr *printer, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/clear":
		if err := loop.Clear(); err != nil {
			pr.errorf("clear: %v", err)
		} else {
			pr.infof("new session %s", loop.SessionID())
		}
	case "/profile":
		if len(fields) < 2 {
			pr.infof("profile %s", loop.Profile().Label())
			return true
		}
		if err := loop.SwitchProfile(fields[1]); err != nil {
			pr.errorf("switch profile: %v", err)
		} else {
			pr.infof("profile %s", loop.Profile().Label())
		}
	case "/stats":
		pr.stats(loop.Stats())
	case "/help":
		pr.infof("/clear  /profile [name]  /stats  exit")
	default:
		return false
	}
	return true
}

// lineReader shares stdin between the REPL and approval prompts. A single
// goroutine reads ahead so an abandoned prompt never swallows the next line.
type lineReader struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r), lines: make(chan lineResult)}
}

func (l *lineReader) pump() {
	defer close(l.lines)
	for {
		line, err := l.r.ReadString('\n')
		if line != "" {
			l.lines <- lineResult{line: strings.TrimRight(line, "\r\n")}
		}
		if err != nil {
			l.lines <- lineResult{err: err}
			return
		}
	}
}

// ReadLine returns the next line without its terminator, or io.EOF.
func (l *lineReader) ReadLine(ctx context.Context) (string, error) {
	l.once.Do(func() { go l.pump() })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-l.lines:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	}
}

// promptResponder asks on the terminal. Answers: y (once), a (always),
// n [feedback] (deny), c (cancel the remaining calls).
type promptResponder struct {
	in *lineReader
	pr *printer
}

func (p *promptResponder) Respond(ctx context.Context, req approval.Request) (approval.Response, error) {
	for {
		p.pr.approval(req)
		line, err := p.in.ReadLine(ctx)
		if ctx.Err() != nil {
			return approval.Response{Decision: approval.Cancel}, ctx.Err()
		}
		if err != nil {
			return approval.Response{Decision: approval.Deny, Feedback: approval.NotPermitted}, nil
		}
		if resp, ok := parseAnswer(line); ok {
			return resp, nil
		}
		p.pr.errorf("answer y, a, n [reason] or c")
	}
}

func parseAnswer(line string) (approval.Response, bool) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "y", "yes", "":
		return approval.Response{Decision: approval.ApproveOnce}, true
	case "a", "always":
		return approval.Response{Decision: approval.ApproveAlways}, true
	case "n", "no", "deny":
		return approval.Response{Decision: approval.Deny, Feedback: strings.TrimSpace(rest)}, true
	case "c", "cancel":
		return approval.Response{Decision: approval.Cancel}, true
	}
	return approval.Response{}, false
}
