package tool

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/clawloop/internal/permission"
)

// Kind tags the executor variant. The set is closed: the registry rejects
// anything else.
type Kind string

const (
	KindLocal     Kind = "local"
	KindRemote    Kind = "remote"
	KindDelegated Kind = "delegated"
)

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	return k == KindLocal || k == KindRemote || k == KindDelegated
}

// Descriptor is the static description of a tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema is a JSON Schema object describing the arguments.
	Schema map[string]any
	// Permission is the default level used when the profile says nothing.
	Permission permission.Level
	Kind       Kind
	// Server is the owning MCP server for remote tools.
	Server   string
	ReadOnly bool
}

// Call is one invocation request.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
	SessionID string
}

// Result is the outcome of an invocation. Failures are reported with
// IsError, never as Go errors.
type Result struct {
	Content string
	IsError bool
	Data    any
}

// Executor runs a tool.
type Executor interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, call Call) Result
}

// Func is the body of a local tool.
type Func func(ctx context.Context, call Call) Result

type localExecutor struct {
	desc Descriptor
	fn   Func
}

// Local wraps fn as a KindLocal executor.
func Local(desc Descriptor, fn Func) Executor {
	desc.Kind = KindLocal
	return &localExecutor{desc: desc, fn: fn}
}

func (l *localExecutor) Descriptor() Descriptor { return l.desc }

func (l *localExecutor) Invoke(ctx context.Context, call Call) Result {
	if l.fn == nil {
		return ErrorResult("tool %s has no implementation", l.desc.Name)
	}
	return l.fn(ctx, call)
}

// TextResult is a successful result with content.
func TextResult(content string) Result {
	return Result{Content: content}
}

// ErrorResult is a failed result with a formatted message.
func ErrorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
