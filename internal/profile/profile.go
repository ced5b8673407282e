package profile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/stellarlinkco/clawloop/internal/permission"
)

// Safety is an informational risk label shown to users.
type Safety string

const (
	SafetySafe        Safety = "safe"
	SafetyNeutral     Safety = "neutral"
	SafetyDestructive Safety = "destructive"
	SafetyYolo        Safety = "yolo"
)

// Kind separates top-level profiles from those only reachable through
// delegation.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindSubagent Kind = "subagent"
)

// Builtin profile names.
const (
	Default     = "default"
	Plan        = "plan"
	Chat        = "chat"
	AcceptEdits = "accept-edits"
	AutoApprove = "auto-approve"
	Explore     = "explore"
)

// ErrUnknownProfile is returned by Manager.Get.
var ErrUnknownProfile = errors.New("profile: unknown profile")

// Profile is a named permission and behaviour policy. Values handed out by
// Manager are copies; mutating them has no effect on the registry.
type Profile struct {
	Name            string                      `yaml:"name"`
	DisplayName     string                      `yaml:"display_name"`
	Description     string                      `yaml:"description"`
	Safety          Safety                      `yaml:"safety"`
	Kind            Kind                        `yaml:"kind"`
	EnabledTools    []string                    `yaml:"enabled_tools"`
	DisabledTools   []string                    `yaml:"disabled_tools"`
	Permissions     map[string]permission.Level `yaml:"permissions"`
	AutoApprove     bool                        `yaml:"auto_approve"`
	AllowDelegation bool                        `yaml:"allow_delegation"`
	ReadOnly        bool                        `yaml:"read_only"`
	Reminder        string                      `yaml:"reminder"`
	ExitReminder    string                      `yaml:"exit_reminder"`
	MaxTurns        int                         `yaml:"max_turns"`
	MaxPrice        float64                     `yaml:"max_price"`
	SystemPrompt    string                      `yaml:"system_prompt"`

	// Source is the file the profile was loaded from; empty for builtins.
	Source string `yaml:"-"`
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	p.EnabledTools = slices.Clone(p.EnabledTools)
	p.DisabledTools = slices.Clone(p.DisabledTools)
	p.Permissions = maps.Clone(p.Permissions)
	return p
}

// IsSubagent reports whether the profile can only be used for delegation.
func (p Profile) IsSubagent() bool { return p.Kind == KindSubagent }

// Policy returns the permission inputs of the profile.
func (p Profile) Policy() permission.Policy {
	return permission.Policy{Permissions: maps.Clone(p.Permissions), AutoApprove: p.AutoApprove}
}

// Filter compiles the profile's tool patterns. Extra enabled patterns replace
// the profile's list when non-empty; extra disabled patterns are added to it.
func (p Profile) Filter(enabled, disabled []string) (permission.Filter, error) {
	en := p.EnabledTools
	if len(enabled) > 0 {
		en = enabled
	}
	dis := append(slices.Clone(p.DisabledTools), disabled...)
	return permission.NewFilter(en, dis)
}

// Label is the display name, falling back to the name.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Validate fills defaults and checks field values.
func (p *Profile) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("profile: missing name")
	}
	if p.Safety == "" {
		p.Safety = SafetyNeutral
	}
	switch p.Safety {
	case SafetySafe, SafetyNeutral, SafetyDestructive, SafetyYolo:
	default:
		return fmt.Errorf("profile %s: unknown safety %q", p.Name, p.Safety)
	}
	if p.Kind == "" {
		p.Kind = KindAgent
	}
	switch p.Kind {
	case KindAgent, KindSubagent:
	default:
		return fmt.Errorf("profile %s: unknown kind %q", p.Name, p.Kind)
	}
	if p.Kind == KindSubagent && p.AllowDelegation {
		return fmt.Errorf("profile %s: subagents cannot delegate", p.Name)
	}
	if p.MaxTurns < 0 || p.MaxPrice < 0 {
		return fmt.Errorf("profile %s: limits must not be negative", p.Name)
	}
	if _, err := permission.NewResolver(p.Policy()); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if _, err := p.Filter(nil, nil); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return nil
}

const (
	planReminder = "<system_notice>Plan mode is on. Do not edit files, run commands that change state, " +
		"or commit anything. Research with read-only tools, answer the question, and finish by presenting " +
		"the complete plan without further tool calls so the user can confirm it.</system_notice>"
	planExit = "<system_notice>Plan mode is off. You may now carry out the plan using editing tools.</system_notice>"

	chatReminder = "<system_notice>Chat mode is on. Answer questions and discuss; do not modify files " +
		"or run commands that change the system.</system_notice>"
	chatExit = "<system_notice>Chat mode is off. Editing tools are available again.</system_notice>"

	exploreSystemPrompt = "You are a read-only exploration agent. Search and read the codebase to answer " +
		"the task you were given. Report concrete findings with file paths. Never modify anything."
)

// Builtins returns the built-in profiles in a fixed order.
func Builtins() []Profile {
	return []Profile{
		{
			Name:            Default,
			DisplayName:     "Default",
			Description:     "Requires approval for tool executions",
			Safety:          SafetyNeutral,
			Kind:            KindAgent,
			AllowDelegation: true,
		},
		{
			Name:            Plan,
			DisplayName:     "Plan",
			Description:     "Read-only agent for exploration and planning",
			Safety:          SafetySafe,
			Kind:            KindAgent,
			EnabledTools:    []string{"grep", "read_file", "task"},
			AutoApprove:     true,
			AllowDelegation: true,
			ReadOnly:        true,
			Reminder:        planReminder,
			ExitReminder:    planExit,
		},
		{
			Name:            Chat,
			DisplayName:     "Chat",
			Description:     "Read-only conversational mode for questions and discussions",
			Safety:          SafetySafe,
			Kind:            KindAgent,
			EnabledTools:    []string{"grep", "read_file", "task"},
			AutoApprove:     true,
			AllowDelegation: true,
			ReadOnly:        true,
			Reminder:        chatReminder,
			ExitReminder:    chatExit,
		},
		{
			Name:            AcceptEdits,
			DisplayName:     "Accept Edits",
			Description:     "Auto-approves file edits only",
			Safety:          SafetyDestructive,
			Kind:            KindAgent,
			Permissions:     map[string]permission.Level{"write_file": permission.Always},
			AllowDelegation: true,
		},
		{
			Name:            AutoApprove,
			DisplayName:     "Auto Approve",
			Description:     "Auto-approves all tool executions",
			Safety:          SafetyYolo,
			Kind:            KindAgent,
			AutoApprove:     true,
			AllowDelegation: true,
		},
		{
			Name:         Explore,
			DisplayName:  "Explore",
			Description:  "Read-only subagent for codebase exploration",
			Safety:       SafetySafe,
			Kind:         KindSubagent,
			EnabledTools: []string{"grep", "read_file"},
			AutoApprove:  true,
			ReadOnly:     true,
			SystemPrompt: exploreSystemPrompt,
		},
	}
}
