package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

const (
	grepDefaultResults = 100
	grepMaxLineLength  = 500
	grepMaxFileSize    = 4 << 20
)

type grepArgs struct {
	Pattern    string `mapstructure:"pattern"`
	Path       string `mapstructure:"path"`
	MaxResults int    `mapstructure:"max_results"`
}

// GrepMatch is one matching line.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func newGrepTool(ws *workspace) tool.Executor {
	return tool.Local(tool.Descriptor{
		Name: Grep,
		Description: "Search file contents in the workspace with a regular expression (RE2 syntax). " +
			"Paths ignored by .gitignore are skipped. Returns path:line: text for each match.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern":     map[string]any{"type": "string", "description": "Regular expression to search for."},
				"path":        map[string]any{"type": "string", "description": "File or directory to search. Defaults to the workspace root."},
				"max_results": map[string]any{"type": "integer", "description": "Maximum number of matches.", "minimum": 0},
			},
			"required": []any{"pattern"},
		},
		Permission: permission.Always,
		ReadOnly:   true,
	}, func(ctx context.Context, call tool.Call) tool.Result {
		var args grepArgs
		if err := decode(call.Arguments, &args); err != nil {
			return tool.ErrorResult("%s: %v", Grep, err)
		}
		re, err := regexp.Compile(args.Pattern)
		if err != nil {
			return tool.ErrorResult("%s: invalid pattern: %v", Grep, err)
		}
		start, err := ws.resolve(args.Path)
		if err != nil {
			return tool.ErrorResult("%s: %v", Grep, err)
		}
		limit := args.MaxResults
		if limit <= 0 {
			limit = grepDefaultResults
		}

		matches, truncated, err := ws.grep(ctx, re, start, limit)
		if err != nil {
			return tool.ErrorResult("%s: %v", Grep, err)
		}
		if len(matches) == 0 {
			return tool.Result{Content: "No matches found.", Data: matches}
		}
		var b strings.Builder
		for _, m := range matches {
			fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
		}
		if truncated {
			fmt.Fprintf(&b, "(results limited to %d matches)\n", limit)
		}
		return tool.Result{Content: b.String(), Data: matches}
	})
}

var errLimit = errors.New("grep: result limit reached")

// grep walks start and collects up to limit matches. truncated reports that
// the walk stopped early.
func (w *workspace) grep(ctx context.Context, re *regexp.Regexp, start string, limit int) (matches []GrepMatch, truncated bool, err error) {
	ignore := newIgnoreSet(w.root)

	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == start {
				return walkErr
			}
			return nil
		}
		segments := w.segments(path)
		if d.IsDir() {
			if d.Name() == ".git" || (path != start && ignore.match(segments, true)) {
				return filepath.SkipDir
			}
			ignore.load(path, segments)
			return nil
		}
		if !d.Type().IsRegular() || ignore.match(segments, false) {
			return nil
		}
		found, err := w.grepFile(re, path, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		return matches, true, nil
	}
	return matches, false, err
}

func (w *workspace) grepFile(re *regexp.Regexp, path string, room int) ([]GrepMatch, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > grepMaxFileSize {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []GrepMatch
	display := w.display(path)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), grepMaxFileSize)
	for n := 1; sc.Scan() && len(out) < room; n++ {
		line := sc.Text()
		if strings.IndexByte(line, 0) >= 0 {
			// binary file
			return nil, nil
		}
		if !re.MatchString(line) {
			continue
		}
		if len(line) > grepMaxLineLength {
			line = line[:grepMaxLineLength] + "..."
		}
		out = append(out, GrepMatch{Path: display, Line: n, Text: line})
	}
	return out, sc.Err()
}

func (w *workspace) segments(path string) []string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

// ignoreSet accumulates .gitignore patterns from the root and from every
// directory visited below it.
type ignoreSet struct {
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
	loaded   map[string]bool
}

func newIgnoreSet(root string) *ignoreSet {
	s := &ignoreSet{loaded: make(map[string]bool)}
	s.load(root, nil)
	return s
}

func (s *ignoreSet) load(dir string, domain []string) {
	if s.loaded[dir] {
		return
	}
	s.loaded[dir] = true
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return
	}
	before := len(s.patterns)
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.patterns = append(s.patterns, gitignore.ParsePattern(line, domain))
	}
	if len(s.patterns) != before {
		s.matcher = gitignore.NewMatcher(s.patterns)
	}
}

func (s *ignoreSet) match(segments []string, isDir bool) bool {
	if s.matcher == nil || len(segments) == 0 {
		return false
	}
	return s.matcher.Match(segments, isDir)
}
