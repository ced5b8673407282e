package profile

import (
	"fmt"
	"sort"
	"sync"
)

// Manager holds the profiles available to a process.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewManager returns a manager seeded with the builtins.
func NewManager() *Manager {
	m := &Manager{profiles: make(map[string]Profile)}
	for _, p := range Builtins() {
		if err := m.Register(p); err != nil {
			panic(err)
		}
	}
	return m
}

// Register validates p and stores a copy, replacing any profile of the
// same name.
func (m *Manager) Register(p Profile) error {
	p = p.Clone()
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Name] = p
	return nil
}

// Get returns a copy of the named profile.
func (m *Manager) Get(name string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p.Clone(), nil
}

// List returns copies of every profile sorted by name.
func (m *Manager) List() []Profile {
	m.mu.RLock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subagents lists the profiles that delegation may target.
func (m *Manager) Subagents() []Profile {
	var out []Profile
	for _, p := range m.List() {
		if p.IsSubagent() {
			out = append(out, p)
		}
	}
	return out
}
