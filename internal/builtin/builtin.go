// Package builtin provides the local tools that operate on the workspace.
package builtin

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

const (
	ReadFile  = "read_file"
	WriteFile = "write_file"
	Grep      = "grep"
	Bash      = "bash"

	defaultBashTimeout = 60 * time.Second
	maxOutputChars     = 30000
)

// ErrOutsideWorkspace is returned for paths that escape the workspace root.
var ErrOutsideWorkspace = errors.New("builtin: path is outside the workspace")

// Options configures the builtin tools.
type Options struct {
	// Root is the workspace directory every path is resolved against.
	Root        string
	BashTimeout time.Duration
	Logger      *slog.Logger
}

type workspace struct {
	root string
	log  *slog.Logger
}

func newWorkspace(opts Options) (*workspace, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("builtin: workspace: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("builtin: workspace: %w", err)
	}
	return &workspace{root: evalExisting(abs), log: logger.OrDefault(opts.Logger).With("component", "builtin")}, nil
}

// resolve maps a user supplied path onto the workspace.
func (w *workspace) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = evalExisting(filepath.Clean(path))
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return path, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path so
// that files about to be created are checked against the real root.
func evalExisting(path string) string {
	rest := ""
	for p := path; ; p = filepath.Dir(p) {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path
		}
		rest = filepath.Join(filepath.Base(p), rest)
	}
}

func (w *workspace) display(path string) string {
	if rel, err := filepath.Rel(w.root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

// decode fills out from the raw call arguments. Numeric strings and floats
// are accepted for integer fields since models send both.
func decode(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	n := maxOutputChars
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + fmt.Sprintf("\n... (%d characters truncated)", len(s)-n)
}

// Tools returns every builtin executor rooted at opts.Root.
func Tools(opts Options) ([]tool.Executor, error) {
	ws, err := newWorkspace(opts)
	if err != nil {
		return nil, err
	}
	timeout := opts.BashTimeout
	if timeout <= 0 {
		timeout = defaultBashTimeout
	}
	return []tool.Executor{
		newReadTool(ws),
		newWriteTool(ws),
		newGrepTool(ws),
		newBashTool(ws, timeout),
	}, nil
}

// Register adds the builtins to reg.
func Register(reg *tool.Registry, opts Options) error {
	execs, err := Tools(opts)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if err := reg.Register(exec); err != nil {
			return err
		}
	}
	return nil
}
