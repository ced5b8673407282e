package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Resolve for unknown names.
	ErrNotFound = errors.New("tool: not found")
	// ErrDuplicateTool is returned when a name is already registered.
	ErrDuplicateTool = errors.New("tool: duplicate name")
)

// Visibility filters tool names. permission.Filter satisfies it.
type Visibility interface {
	Visible(name string) bool
}

// Registry keeps the mapping between tool names and executors.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Executor
	validator *Validator
}

// NewRegistry creates an empty registry with a schema validator.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Executor),
		validator: NewValidator(),
	}
}

func checkExecutor(exec Executor) (Descriptor, error) {
	if exec == nil {
		return Descriptor{}, fmt.Errorf("tool: executor is nil")
	}
	desc := exec.Descriptor()
	if strings.TrimSpace(desc.Name) == "" {
		return desc, fmt.Errorf("tool: name is empty")
	}
	if !desc.Kind.Valid() {
		return desc, fmt.Errorf("tool: %s has unknown kind %q", desc.Name, desc.Kind)
	}
	if desc.Kind == KindRemote && desc.Server == "" {
		return desc, fmt.Errorf("tool: remote tool %s has no server", desc.Name)
	}
	return desc, nil
}

// Register inserts an executor when its name is not in use.
func (r *Registry) Register(exec Executor) error {
	desc, err := checkExecutor(exec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = exec
	return nil
}

// Replace swaps every remote tool owned by server for execs in one step.
// Nothing changes when any of execs is invalid or collides with a tool
// owned by someone else.
func (r *Registry) Replace(server string, execs []Executor) error {
	incoming := make(map[string]Executor, len(execs))
	for _, exec := range execs {
		desc, err := checkExecutor(exec)
		if err != nil {
			return err
		}
		if desc.Kind != KindRemote || desc.Server != server {
			return fmt.Errorf("tool: %s is not a remote tool of %s", desc.Name, server)
		}
		if _, dup := incoming[desc.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
		}
		incoming[desc.Name] = exec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range incoming {
		if existing, ok := r.tools[name]; ok && !ownedBy(existing, server) {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
	}
	for name, exec := range r.tools {
		if ownedBy(exec, server) {
			delete(r.tools, name)
			r.validator.Forget(name)
		}
	}
	for name, exec := range incoming {
		r.tools[name] = exec
		r.validator.Forget(name)
	}
	return nil
}

func ownedBy(exec Executor, server string) bool {
	desc := exec.Descriptor()
	return desc.Kind == KindRemote && desc.Server == server
}

// Unregister removes a tool. It reports whether the name was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	r.validator.Forget(name)
	return true
}

// Resolve fetches an executor by name.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return exec, nil
}

// List returns the executors passing filter, sorted by name. A nil filter
// lists everything.
func (r *Registry) List(filter Visibility) []Executor {
	r.mu.RLock()
	out := make([]Executor, 0, len(r.tools))
	for name, exec := range r.tools {
		if filter != nil && !filter.Visible(name) {
			continue
		}
		out = append(out, exec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().Name < out[j].Descriptor().Name
	})
	return out
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(desc Descriptor, args map[string]any) error {
	return r.validator.Validate(desc, args)
}
