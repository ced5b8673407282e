package message

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoResponseContent is recorded for tool calls that never produced a result.
const NoResponseContent = "Tool execution was interrupted before it produced a result."

// Session is the ordered message history of one conversation. Messages are
// append-only; Reset is the single operation that replaces history.
type Session struct {
	id string

	mu       sync.RWMutex
	messages []Message
	nextID   int64
	tokens   int
}

// NewSession creates an empty session. An empty id gets a random UUID.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{id: id}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Append clones msg, assigns the next message id and stores it.
func (s *Session) Append(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Session) appendLocked(msg Message) Message {
	stored := Clone(msg)
	s.nextID++
	stored.ID = s.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, stored)
	s.tokens += EstimateTokens(stored)
	return Clone(stored)
}

// Reset replaces the whole history with msgs. Message ids keep increasing
// across resets.
func (s *Session) Reset(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.tokens = 0
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// Snapshot returns a deep copy of the history, oldest first.
func (s *Session) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneAll(s.messages)
}

// Last returns the newest message when present.
func (s *Session) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return Clone(s.messages[len(s.messages)-1]), true
}

// Len reports the number of stored messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// TokenEstimate reports the estimated token size of the history.
func (s *Session) TokenEstimate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// FillMissingResults returns a copy of msgs where every assistant tool call
// is answered by a result in the following tool message. Missing answers get
// NoResponseContent so the backend always receives complete batches.
func FillMissingResults(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		msg := Clone(msgs[i])
		out = append(out, msg)
		calls := msg.ToolCalls()
		if msg.Role != RoleAssistant || len(calls) == 0 {
			continue
		}

		var answered map[string]bool
		var next Message
		hasNext := i+1 < len(msgs) && msgs[i+1].Role == RoleTool
		if hasNext {
			next = Clone(msgs[i+1])
			i++
			answered = make(map[string]bool)
			for _, r := range next.ToolResults() {
				answered[r.CallID] = true
			}
		} else {
			next = Message{Role: RoleTool}
		}

		for _, call := range calls {
			if answered[call.ID] {
				continue
			}
			res := ToolResult{CallID: call.ID, Name: call.Name, Content: NoResponseContent, IsError: true}
			next.Blocks = append(next.Blocks, Block{Kind: BlockToolResult, ToolResult: &res})
		}
		out = append(out, next)
	}
	return out
}
