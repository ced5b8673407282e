package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"
)

const (
	TransportHTTP           = "http"
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Prompt    string `json:"prompt,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`

	// Timeouts in seconds.
	StartupTimeout float64 `json:"startupTimeout,omitempty"`
	ToolTimeout    float64 `json:"toolTimeout,omitempty"`

	// http and streamable-http
	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	APIKeyEnv    string            `json:"apiKeyEnv,omitempty"`
	APIKeyHeader string            `json:"apiKeyHeader,omitempty"`
	APIKeyFormat string            `json:"apiKeyFormat,omitempty"`

	// stdio
	Command CommandLine       `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CommandLine accepts either a shell-style string or an argv array.
type CommandLine []string

func (c *CommandLine) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parts, err := shlex.Split(s)
		if err != nil {
			return fmt.Errorf("parse command %q: %w", s, err)
		}
		*c = parts
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return errors.New("command must be a string or an array of strings")
	}
	*c = argv
	return nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NormalizeServerName replaces characters outside [A-Za-z0-9_-] with '_',
// trims leading and trailing separators and caps the length at 256.
func NormalizeServerName(name string) string {
	n := invalidNameChars.ReplaceAllString(name, "_")
	n = strings.Trim(n, "_-")
	if len(n) > 256 {
		n = n[:256]
	}
	return n
}

// Normalize fills defaults and validates transport-specific fields.
func (s *ServerConfig) Normalize() error {
	s.Name = NormalizeServerName(s.Name)
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Transport == "" {
		s.Transport = TransportStdio
		if s.URL != "" {
			s.Transport = TransportHTTP
		}
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.ToolTimeout <= 0 {
		s.ToolTimeout = DefaultToolTimeout
	}
	switch s.Transport {
	case TransportHTTP, TransportStreamableHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("server %q: url is required for %s transport", s.Name, s.Transport)
		}
		if s.APIKeyHeader == "" {
			s.APIKeyHeader = DefaultAPIKeyHeader
		}
		if s.APIKeyFormat == "" {
			s.APIKeyFormat = DefaultAPIKeyFormat
		}
	case TransportStdio:
		if len(s.Command) == 0 {
			return fmt.Errorf("server %q: command is required for stdio transport", s.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}
	return nil
}

// Argv returns the full stdio command line.
func (s ServerConfig) Argv() []string {
	out := make([]string, 0, len(s.Command)+len(s.Args))
	out = append(out, s.Command...)
	return append(out, s.Args...)
}

// HTTPHeaders returns the configured headers plus the API key header when
// apiKeyEnv is set, unless a header with that name already exists.
func (s ServerConfig) HTTPHeaders() map[string]string {
	hdrs := make(map[string]string, len(s.Headers)+1)
	for k, v := range s.Headers {
		hdrs[k] = v
	}
	env := strings.TrimSpace(s.APIKeyEnv)
	if env == "" {
		return hdrs
	}
	token := os.Getenv(env)
	if token == "" {
		return hdrs
	}
	target := strings.TrimSpace(s.APIKeyHeader)
	if target == "" {
		target = DefaultAPIKeyHeader
	}
	for k := range hdrs {
		if strings.EqualFold(k, target) {
			return hdrs
		}
	}
	format := s.APIKeyFormat
	if format == "" {
		format = "{token}"
	}
	hdrs[target] = strings.ReplaceAll(format, "{token}", token)
	return hdrs
}

// StartupTimeoutDuration converts StartupTimeout to a duration.
func (s ServerConfig) StartupTimeoutDuration() time.Duration {
	if s.StartupTimeout <= 0 {
		return seconds(DefaultStartupTimeout)
	}
	return seconds(s.StartupTimeout)
}

// ToolTimeoutDuration converts ToolTimeout to a duration.
func (s ServerConfig) ToolTimeoutDuration() time.Duration {
	if s.ToolTimeout <= 0 {
		return seconds(DefaultToolTimeout)
	}
	return seconds(s.ToolTimeout)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// GracePeriodDuration converts Agent.GracePeriod to a duration.
func (a AgentConfig) GracePeriodDuration() time.Duration {
	return seconds(a.GracePeriod)
}
