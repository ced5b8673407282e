package permission

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Pattern matches tool names. Three forms are accepted, all case-insensitive:
// an exact name, a glob using * ? and [...], and a regular expression
// prefixed with "re:" or "regex:" that must match the whole name.
type Pattern struct {
	raw   string
	exact string
	glob  string
	re    *regexp.Regexp
}

// CompilePattern parses one pattern. Empty patterns are rejected.
func CompilePattern(raw string) (Pattern, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return Pattern{}, fmt.Errorf("permission: empty pattern")
	}
	for _, prefix := range []string{"re:", "regex:"} {
		if strings.HasPrefix(strings.ToLower(p), prefix) {
			expr := p[len(prefix):]
			re, err := regexp.Compile("(?i)^(?:" + expr + ")$")
			if err != nil {
				return Pattern{}, fmt.Errorf("permission: compile %q: %w", raw, err)
			}
			return Pattern{raw: p, re: re}, nil
		}
	}
	lower := strings.ToLower(p)
	if !strings.ContainsAny(lower, "*?[") {
		return Pattern{raw: p, exact: lower}, nil
	}
	if _, err := path.Match(lower, ""); err != nil {
		return Pattern{}, fmt.Errorf("permission: compile %q: %w", raw, err)
	}
	return Pattern{raw: p, glob: lower}, nil
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Exact reports whether the pattern is a plain name.
func (p Pattern) Exact() bool { return p.exact != "" }

// Match reports whether name matches.
func (p Pattern) Match(name string) bool {
	switch {
	case p.exact != "":
		return strings.ToLower(name) == p.exact
	case p.re != nil:
		return p.re.MatchString(name)
	case p.glob != "":
		ok, _ := path.Match(p.glob, strings.ToLower(name))
		return ok
	}
	return false
}

// PatternSet is an ordered list of compiled patterns.
type PatternSet struct {
	exact    map[string]struct{}
	patterns []Pattern
}

// Compile parses every pattern, failing on the first invalid one.
func Compile(patterns []string) (*PatternSet, error) {
	set := &PatternSet{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		p, err := CompilePattern(raw)
		if err != nil {
			return nil, err
		}
		if p.Exact() {
			set.exact[p.exact] = struct{}{}
			continue
		}
		set.patterns = append(set.patterns, p)
	}
	return set, nil
}

// MustCompile is Compile for static pattern lists.
func MustCompile(patterns ...string) *PatternSet {
	set, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return set
}

// Empty reports whether the set holds no patterns. A nil set is empty.
func (s *PatternSet) Empty() bool {
	return s == nil || (len(s.exact) == 0 && len(s.patterns) == 0)
}

// Match reports whether name matches any pattern in the set.
func (s *PatternSet) Match(name string) bool {
	if s.Empty() {
		return false
	}
	if _, ok := s.exact[strings.ToLower(name)]; ok {
		return true
	}
	for _, p := range s.patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}
