package bus

import (
	"fmt"
	"time"
)

// EventType names one observable step of an agent run.
type EventType string

const (
	TurnStarted         EventType = "turn_started"
	TurnEnded           EventType = "turn_ended"
	AssistantDelta      EventType = "assistant_delta"
	ToolCallIssued      EventType = "tool_call_issued"
	ToolResultAvailable EventType = "tool_result_available"
	ApprovalRequested   EventType = "approval_requested"
	ApprovalResolved    EventType = "approval_resolved"
	CompactionStarted   EventType = "compaction_started"
	CompactionEnded     EventType = "compaction_ended"
	MiddlewareInjected  EventType = "middleware_injected"
	TerminalStatus      EventType = "terminal_status"
	MCPServerState      EventType = "mcp_server_state"
)

// AllTypes lists every event type in a stable order.
var AllTypes = []EventType{
	TurnStarted, TurnEnded, AssistantDelta, ToolCallIssued, ToolResultAvailable,
	ApprovalRequested, ApprovalResolved, CompactionStarted, CompactionEnded,
	MiddlewareInjected, TerminalStatus, MCPServerState,
}

// Event is a single occurrence. Payload holds one of the *Payload structs
// below, matching Type.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	// ParentID is set on events republished from a delegated child run.
	ParentID string `json:"parent_id,omitempty"`
	Turn     int    `json:"turn"`
	Payload  any    `json:"payload,omitempty"`
}

// Validate performs cheap sanity checks.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("bus: missing event type")
	}
	return nil
}

type TurnPayload struct {
	Profile      string  `json:"profile,omitempty"`
	ToolCalls    int     `json:"tool_calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// DeltaPayload carries streamed assistant text. Kind is "text" or "reasoning".
type DeltaPayload struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type ToolCallPayload struct {
	CallID     string         `json:"call_id"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Permission string         `json:"permission,omitempty"`
}

type ToolResultPayload struct {
	CallID   string        `json:"call_id"`
	Tool     string        `json:"tool"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error"`
	Denied   bool          `json:"denied,omitempty"`
	Duration time.Duration `json:"duration"`
}

type ApprovalPayload struct {
	RequestID string         `json:"request_id"`
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Feedback  string         `json:"feedback,omitempty"`
}

type CompactionPayload struct {
	OldTokens int    `json:"old_tokens"`
	NewTokens int    `json:"new_tokens,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

type InjectionPayload struct {
	Middleware string `json:"middleware"`
	Text       string `json:"text"`
}

type TerminalPayload struct {
	Status string  `json:"status"`
	Reason string  `json:"reason,omitempty"`
	Turns  int     `json:"turns"`
	Cost   float64 `json:"cost"`
}

type ServerStatePayload struct {
	Server string `json:"server"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}
