package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Level is the permission attached to a tool.
type Level string

const (
	Always Level = "always"
	Ask    Level = "ask"
	Never  Level = "never"
)

// ParseLevel parses a level case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case Always:
		return Always, nil
	case Ask:
		return Ask, nil
	case Never:
		return Never, nil
	}
	return "", fmt.Errorf("permission: unknown level %q", s)
}

// Valid reports whether l is one of the three levels.
func (l Level) Valid() bool {
	return l == Always || l == Ask || l == Never
}

// UnmarshalText lets levels be decoded from YAML and JSON case-insensitively.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// strictness orders levels so that the more restrictive one wins.
func strictness(l Level) int {
	switch l {
	case Never:
		return 2
	case Ask:
		return 1
	default:
		return 0
	}
}

// ErrToolDenied is matched by every *Error.
var ErrToolDenied = errors.New("permission: tool denied")

// Error reports a tool call that must not run.
type Error struct {
	Tool   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission: tool %s denied: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("permission: tool %s denied", e.Tool)
}

func (e *Error) Is(target error) bool { return target == ErrToolDenied }

// Filter decides tool visibility from allow and deny pattern lists. When
// enabled is non-empty a name must match it; a name matching disabled is
// always hidden, even if it also matches enabled.
type Filter struct {
	enabled  *PatternSet
	disabled *PatternSet
}

// NewFilter compiles both pattern lists.
func NewFilter(enabled, disabled []string) (Filter, error) {
	en, err := Compile(enabled)
	if err != nil {
		return Filter{}, err
	}
	dis, err := Compile(disabled)
	if err != nil {
		return Filter{}, err
	}
	return Filter{enabled: en, disabled: dis}, nil
}

// Visible reports whether name passes the filter.
func (f Filter) Visible(name string) bool {
	if !f.enabled.Empty() && !f.enabled.Match(name) {
		return false
	}
	return !f.disabled.Match(name)
}

// Policy is the per-profile input to Decide.
type Policy struct {
	// Permissions maps tool names or patterns to levels.
	Permissions map[string]Level
	AutoApprove bool
}

// Source records which rule produced a Decision.
type Source string

const (
	SourceProfile     Source = "profile"
	SourceAutoApprove Source = "auto_approve"
	SourceDefault     Source = "tool_default"
	SourceFallback    Source = "fallback"
)

// Decision is the outcome of Decide.
type Decision struct {
	Level  Level
	Source Source
	Rule   string
}

type levelRule struct {
	pattern Pattern
	level   Level
}

// Resolver is a compiled Policy. It is immutable and safe for concurrent use.
type Resolver struct {
	exact       map[string]Level
	rules       []levelRule
	autoApprove bool
}

// NewResolver compiles the pattern keys of p.
func NewResolver(p Policy) (*Resolver, error) {
	r := &Resolver{exact: make(map[string]Level), autoApprove: p.AutoApprove}
	keys := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		level := p.Permissions[key]
		if !level.Valid() {
			return nil, fmt.Errorf("permission: tool %q: invalid level %q", key, level)
		}
		pat, err := CompilePattern(key)
		if err != nil {
			return nil, err
		}
		if pat.Exact() {
			r.exact[pat.exact] = level
			continue
		}
		r.rules = append(r.rules, levelRule{pattern: pat, level: level})
	}
	return r, nil
}

// Decide resolves the level for a tool. Precedence: an exact profile entry,
// then the strictest matching profile pattern, then auto-approve, then the
// tool's own default, then Ask.
func (r *Resolver) Decide(name string, toolDefault Level) Decision {
	if r != nil {
		if level, ok := r.exact[strings.ToLower(name)]; ok {
			return Decision{Level: level, Source: SourceProfile, Rule: name}
		}
		var best *levelRule
		for i := range r.rules {
			rule := &r.rules[i]
			if !rule.pattern.Match(name) {
				continue
			}
			if best == nil || strictness(rule.level) > strictness(best.level) {
				best = rule
			}
		}
		if best != nil {
			return Decision{Level: best.level, Source: SourceProfile, Rule: best.pattern.String()}
		}
		if r.autoApprove {
			return Decision{Level: Always, Source: SourceAutoApprove}
		}
	}
	if toolDefault.Valid() {
		return Decision{Level: toolDefault, Source: SourceDefault}
	}
	return Decision{Level: Ask, Source: SourceFallback}
}
