package model

import (
	"context"

	"github.com/stellarlinkco/clawloop/internal/message"
)

// ChunkKind identifies a streamed fragment.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkToolCall  ChunkKind = "tool_call"
	ChunkUsage     ChunkKind = "usage"
)

// Chunk is one streamed fragment of a model response.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *message.ToolCall
	Usage    *Usage
}

// ToolSpec is the tool definition advertised to the backend.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a single model call.
type Request struct {
	System      string
	Messages    []message.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
	SessionID   string
}

// Usage counts tokens for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Total reports input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is the complete result of a call. Message is always an assistant
// message.
type Response struct {
	Message    message.Message
	Usage      Usage
	StopReason string
}

// Backend streams one model response. Implementations call emit for every
// fragment in order and return the accumulated response. An error returned
// by emit aborts the stream and is returned unchanged.
type Backend interface {
	Stream(ctx context.Context, req Request, emit func(Chunk) error) (*Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request, emit func(Chunk) error) (*Response, error)

func (f BackendFunc) Stream(ctx context.Context, req Request, emit func(Chunk) error) (*Response, error) {
	return f(ctx, req, emit)
}

// Pricing is expressed in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost returns the USD price of usage.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMillion/1e6 + float64(u.OutputTokens)*p.OutputPerMillion/1e6
}
