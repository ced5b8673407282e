package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/clawloop/internal/permission"
	"github.com/stellarlinkco/clawloop/internal/tool"
)

const (
	readDefaultLimit  = 2000
	readMaxLineLength = 2000
)

type readArgs struct {
	Path   string `mapstructure:"path"`
	Offset int    `mapstructure:"offset"`
	Limit  int    `mapstructure:"limit"`
}

func newReadTool(ws *workspace) tool.Executor {
	return tool.Local(tool.Descriptor{
		Name: ReadFile,
		Description: "Read a text file from the workspace. Lines are numbered from 1. " +
			"Use offset and limit to page through large files.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "File path, relative to the workspace or absolute inside it."},
				"offset": map[string]any{"type": "integer", "description": "First line to read, 1-based.", "minimum": 0},
				"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines.", "minimum": 0},
			},
			"required": []any{"path"},
		},
		Permission: permission.Always,
		ReadOnly:   true,
	}, func(ctx context.Context, call tool.Call) tool.Result {
		var args readArgs
		if err := decode(call.Arguments, &args); err != nil {
			return tool.ErrorResult("%s: %v", ReadFile, err)
		}
		path, err := ws.resolve(args.Path)
		if err != nil {
			return tool.ErrorResult("%s: %v", ReadFile, err)
		}
		if err := ctx.Err(); err != nil {
			return tool.ErrorResult("%s: %v", ReadFile, err)
		}
		content, err := readText(path)
		if err != nil {
			return tool.ErrorResult("%s: %v", ReadFile, err)
		}
		return numberLines(ws.display(path), content, args.Offset, args.Limit)
	})
}

func readText(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) || strings.IndexByte(string(data), 0) >= 0 {
		return "", fmt.Errorf("%s looks like a binary file", path)
	}
	return string(data), nil
}

func numberLines(display, content string, offset, limit int) tool.Result {
	if offset <= 0 {
		offset = 1
	}
	if limit <= 0 {
		limit = readDefaultLimit
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if content == "" {
		lines = nil
	}
	total := len(lines)
	if offset > total {
		return tool.Result{
			Content: fmt.Sprintf("no content in requested range (%s has %d lines)", display, total),
			Data:    map[string]any{"path": display, "total_lines": total},
		}
	}
	end := min(offset-1+limit, total)

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > readMaxLineLength {
			line = line[:readMaxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	return tool.Result{
		Content: b.String(),
		Data: map[string]any{
			"path":           display,
			"total_lines":    total,
			"returned_lines": end - offset + 1,
			"truncated":      end < total,
		},
	}
}

type writeArgs struct {
	Path      string `mapstructure:"path"`
	Content   string `mapstructure:"content"`
	Overwrite bool   `mapstructure:"overwrite"`
}

func newWriteTool(ws *workspace) tool.Executor {
	return tool.Local(tool.Descriptor{
		Name: WriteFile,
		Description: "Write content to a file in the workspace, creating parent directories. " +
			"Existing files are only replaced when overwrite is true.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":      map[string]any{"type": "string", "description": "File path, relative to the workspace or absolute inside it."},
				"content":   map[string]any{"type": "string", "description": "Full file content."},
				"overwrite": map[string]any{"type": "boolean", "description": "Replace the file if it exists."},
			},
			"required": []any{"path", "content"},
		},
		Permission: permission.Ask,
	}, func(ctx context.Context, call tool.Call) tool.Result {
		var args writeArgs
		if err := decode(call.Arguments, &args); err != nil {
			return tool.ErrorResult("%s: %v", WriteFile, err)
		}
		path, err := ws.resolve(args.Path)
		if err != nil {
			return tool.ErrorResult("%s: %v", WriteFile, err)
		}
		if err := ctx.Err(); err != nil {
			return tool.ErrorResult("%s: %v", WriteFile, err)
		}

		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			return tool.ErrorResult("%s: %s is a directory", WriteFile, ws.display(path))
		case err == nil && !args.Overwrite:
			return tool.ErrorResult("%s: %s already exists; set overwrite to replace it", WriteFile, ws.display(path))
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return tool.ErrorResult("%s: %v", WriteFile, err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return tool.ErrorResult("%s: %v", WriteFile, err)
		}
		if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return tool.ErrorResult("%s: %v", WriteFile, err)
		}
		ws.log.Debug("file written", "path", ws.display(path), "bytes", len(args.Content))
		return tool.Result{
			Content: fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), ws.display(path)),
			Data:    map[string]any{"path": ws.display(path), "bytes": len(args.Content)},
		}
	})
}
