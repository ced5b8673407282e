package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/stellarlinkco/clawloop/internal/message"
)

const providerAnthropic = "anthropic"

// AnthropicConfig wires anthropic-sdk-go into the Backend interface.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

type anthropicMessages interface {
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

type anthropicBackend struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	temperature *float64
}

// NewAnthropic builds a streaming Anthropic backend. SDK-level retries are
// disabled; Retry handles them at the loop level.
func NewAnthropic(cfg AnthropicConfig) (Backend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropicsdk.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = string(anthropicsdk.ModelClaudeSonnet4_5_20250929)
	}
	return &anthropicBackend{
		msgs:        &client.Messages,
		model:       anthropicsdk.Model(name),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (b *anthropicBackend) Stream(ctx context.Context, req Request, emit func(Chunk) error) (*Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := b.msgs.NewStreaming(ctx, params)
	if stream == nil {
		return nil, Classify(providerAnthropic, errors.New("stream not available"))
	}
	defer stream.Close()

	var final anthropicsdk.Message
	var usage Usage
	for stream.Next() {
		event := stream.Current()
		if err := final.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate stream: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropicsdk.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
		case anthropicsdk.ContentBlockDeltaEvent:
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					if err := emit(Chunk{Kind: ChunkText, Text: ev.Delta.Text}); err != nil {
						return nil, err
					}
				}
			case "thinking_delta":
				if ev.Delta.Thinking != "" {
					if err := emit(Chunk{Kind: ChunkReasoning, Text: ev.Delta.Thinking}); err != nil {
						return nil, err
					}
				}
			}
		case anthropicsdk.ContentBlockStopEvent:
			if n := len(final.Content); n > 0 {
				if call := toolCallFromBlock(final.Content[n-1]); call != nil {
					if err := emit(Chunk{Kind: ChunkToolCall, ToolCall: call}); err != nil {
						return nil, err
					}
				}
			}
		case anthropicsdk.MessageDeltaEvent:
			if ev.Usage.InputTokens > 0 {
				usage.InputTokens = int(ev.Usage.InputTokens)
			}
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			u := usage
			if err := emit(Chunk{Kind: ChunkUsage, Usage: &u}); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, Classify(providerAnthropic, err)
	}

	return &Response{
		Message:    convertAnthropicMessage(final),
		Usage:      usage,
		StopReason: string(final.StopReason),
	}, nil
}

func (b *anthropicBackend) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	system, msgs := convertToAnthropic(req.System, req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     b.model,
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if b.temperature != nil {
		params.Temperature = param.NewOpt(*b.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	return params, nil
}

func convertToAnthropic(system string, msgs []message.Message) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	if s := strings.TrimSpace(system); s != "" {
		systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: s})
	}

	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	appendParam := func(role anthropicsdk.MessageParamRole, content []anthropicsdk.ContentBlockParamUnion) {
		if len(content) == 0 {
			return
		}
		// Consecutive same-role turns are merged; the API expects alternation.
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, content...)
			return
		}
		out = append(out, anthropicsdk.MessageParam{Role: role, Content: content})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleSystem:
			if s := strings.TrimSpace(msg.Text()); s != "" {
				systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: s})
			}
		case message.RoleAssistant:
			var blocks []anthropicsdk.ContentBlockParamUnion
			if text := msg.Text(); strings.TrimSpace(text) != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(text))
			}
			for _, call := range msg.ToolCalls() {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicsdk.NewTextBlock("."))
			}
			appendParam(anthropicsdk.MessageParamRoleAssistant, blocks)
		case message.RoleTool:
			var blocks []anthropicsdk.ContentBlockParamUnion
			for _, res := range msg.ToolResults() {
				blocks = append(blocks, anthropicsdk.NewToolResultBlock(res.CallID, res.Content, res.IsError))
			}
			appendParam(anthropicsdk.MessageParamRoleUser, blocks)
		default:
			text := msg.Text()
			if strings.TrimSpace(text) == "" {
				text = "."
			}
			appendParam(anthropicsdk.MessageParamRoleUser, []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(text)})
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.MessageParam{
			Role:    anthropicsdk.MessageParamRoleUser,
			Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(".")},
		})
	}
	return systemBlocks, out
}

func anthropicTools(specs []ToolSpec) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema, err := encodeInputSchema(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", spec.Name, err)
		}
		tool := anthropicsdk.ToolParam{Name: spec.Name, InputSchema: schema}
		if d := strings.TrimSpace(spec.Description); d != "" {
			tool.Description = anthropicsdk.String(d)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func encodeInputSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropicsdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	return schema, nil
}

func convertAnthropicMessage(msg anthropicsdk.Message) message.Message {
	var text, reasoning strings.Builder
	var calls []message.ToolCall
	for _, block := range msg.Content {
		if call := toolCallFromBlock(block); call != nil {
			calls = append(calls, *call)
			continue
		}
		switch block.Type {
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "text":
			text.WriteString(block.Text)
		}
	}
	return message.NewAssistant(text.String(), reasoning.String(), calls)
}

func toolCallFromBlock(block anthropicsdk.ContentBlockUnion) *message.ToolCall {
	if block.Type != "tool_use" {
		return nil
	}
	id := strings.TrimSpace(block.ID)
	name := strings.TrimSpace(block.Name)
	if id == "" || name == "" {
		return nil
	}
	return &message.ToolCall{ID: id, Name: name, Arguments: decodeArguments(block.Input)}
}

// decodeArguments parses tool arguments. Non-object JSON is wrapped so the
// schema validator can still report it.
func decodeArguments(raw []byte) map[string]any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{"_value": v}
}
