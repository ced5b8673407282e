package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/clawloop/internal/logger"
)

const profileFileName = "PROFILE.md"

var errInvalidProfileYAML = errors.New("invalid profile YAML")

// Load reads user profiles from dir. Two layouts are accepted:
// <dir>/<name>/PROFILE.md with YAML frontmatter whose body becomes the
// system prompt, and <dir>/<name>.yaml. A missing dir yields no profiles.
// Files with invalid YAML are skipped with a warning.
func Load(dir string, log *slog.Logger) ([]Profile, error) {
	log = logger.OrDefault(log)
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat profiles dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profiles path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	profiles := make([]Profile, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		var (
			path string
			p    Profile
			skip bool
			perr error
		)
		switch ext := strings.ToLower(filepath.Ext(entry.Name())); {
		case entry.IsDir():
			path = filepath.Join(dir, entry.Name(), profileFileName)
			p, skip, perr = parseMarkdownProfile(path, entry.Name())
		case ext == ".yaml" || ext == ".yml":
			path = filepath.Join(dir, entry.Name())
			p, skip, perr = parseYAMLProfile(path, strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		default:
			continue
		}
		if perr != nil {
			if errors.Is(perr, errInvalidProfileYAML) {
				log.Warn("skip invalid profile", "path", path, "error", perr)
				continue
			}
			return nil, perr
		}
		if skip {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("load profile %q: %w", path, err)
		}
		if prev, exists := seen[p.Name]; exists {
			return nil, fmt.Errorf("duplicate profile name %q in %s (already in %s)", p.Name, path, prev)
		}
		seen[p.Name] = path
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// LoadDir loads dir and registers every profile, overriding builtins of
// the same name.
func (m *Manager) LoadDir(dir string, log *slog.Logger) (int, error) {
	profiles, err := Load(dir, log)
	if err != nil {
		return 0, err
	}
	for _, p := range profiles {
		if err := m.Register(p); err != nil {
			return 0, err
		}
	}
	return len(profiles), nil
}

func parseMarkdownProfile(path, dirName string) (Profile, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, true, nil
		}
		return Profile{}, false, fmt.Errorf("read profile %q: %w", path, err)
	}
	p, body, err := parseFrontmatter(content)
	if err != nil {
		return Profile{}, false, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = dirName
	}
	if body = strings.TrimSpace(body); body != "" {
		p.SystemPrompt = body
	}
	p.Source = path
	return p, false, nil
}

func parseYAMLProfile(path, stem string) (Profile, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, false, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Profile{}, false, fmt.Errorf("parse profile %q: %w: %v", path, errInvalidProfileYAML, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = stem
	}
	p.Source = path
	return p, false, nil
}

func parseFrontmatter(content []byte) (Profile, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return Profile{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return Profile{}, "", errors.New("missing closing frontmatter separator")
	}

	var p Profile
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &p); err != nil {
		return Profile{}, "", fmt.Errorf("%w: %v", errInvalidProfileYAML, err)
	}
	return p, strings.Join(lines[end+1:], "\n"), nil
}
