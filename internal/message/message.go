package message

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// BlockKind enumerates the content block types a message may carry.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockReasoning  BlockKind = "reasoning"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
)

// ToolCall is a model request to execute a tool. IDs are assigned by the
// model backend and are unique within a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Block is one ordered piece of message content.
type Block struct {
	Kind       BlockKind   `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is immutable once appended to a Session.
type Message struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
}

// NewText builds a single text block message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Kind: BlockText, Text: text}}}
}

// NewAssistant builds an assistant message from the streamed parts of a turn.
func NewAssistant(text, reasoning string, calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant}
	if reasoning != "" {
		msg.Blocks = append(msg.Blocks, Block{Kind: BlockReasoning, Text: reasoning})
	}
	if text != "" {
		msg.Blocks = append(msg.Blocks, Block{Kind: BlockText, Text: text})
	}
	for i := range calls {
		call := cloneToolCall(calls[i])
		msg.Blocks = append(msg.Blocks, Block{Kind: BlockToolCall, ToolCall: &call})
	}
	return msg
}

// NewToolResults wraps an ordered batch of results in one tool message.
func NewToolResults(results []ToolResult) Message {
	msg := Message{Role: RoleTool, Blocks: make([]Block, 0, len(results))}
	for i := range results {
		res := results[i]
		msg.Blocks = append(msg.Blocks, Block{Kind: BlockToolResult, ToolResult: &res})
	}
	return msg
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Reasoning concatenates the reasoning blocks of the message.
func (m Message) Reasoning() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Kind == BlockReasoning {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls in request order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, b := range m.Blocks {
		if b.Kind == BlockToolCall && b.ToolCall != nil {
			out = append(out, *b.ToolCall)
		}
	}
	return out
}

// ToolResults returns the tool results in the order they were recorded.
func (m Message) ToolResults() []ToolResult {
	var out []ToolResult
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult && b.ToolResult != nil {
			out = append(out, *b.ToolResult)
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func Clone(m Message) Message {
	out := m
	if m.Blocks != nil {
		out.Blocks = make([]Block, len(m.Blocks))
		for i, b := range m.Blocks {
			nb := b
			if b.ToolCall != nil {
				call := cloneToolCall(*b.ToolCall)
				nb.ToolCall = &call
			}
			if b.ToolResult != nil {
				res := *b.ToolResult
				nb.ToolResult = &res
			}
			out.Blocks[i] = nb
		}
	}
	return out
}

// CloneAll deep copies a message slice.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Clone(m)
	}
	return out
}

func cloneToolCall(c ToolCall) ToolCall {
	out := c
	if c.Arguments != nil {
		out.Arguments = cloneMap(c.Arguments)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, el := range val {
			cp[i] = cloneValue(el)
		}
		return cp
	default:
		return val
	}
}

// EstimateTokens is a naive rune/4 counter. Good enough for threshold checks.
func EstimateTokens(m Message) int {
	tokens := len(m.Role) / 10
	for _, b := range m.Blocks {
		switch b.Kind {
		case BlockText, BlockReasoning:
			tokens += len([]rune(b.Text)) / 4
		case BlockToolCall:
			if b.ToolCall == nil {
				continue
			}
			tokens += len(b.ToolCall.Name)
			for k, v := range b.ToolCall.Arguments {
				tokens += len(k)
				if s, ok := v.(string); ok {
					tokens += len([]rune(s)) / 4
				} else {
					tokens++
				}
			}
		case BlockToolResult:
			if b.ToolResult != nil {
				tokens += len([]rune(b.ToolResult.Content)) / 4
			}
		}
	}
	return tokens
}
