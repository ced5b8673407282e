package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/stellarlinkco/clawloop/internal/message"
)

const providerOpenAI = "openai"

// OpenAIConfig wires openai-go chat completions into the Backend interface.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

type openaiCompletions interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

type openaiBackend struct {
	completions openaiCompletions
	model       string
	maxTokens   int
	temperature *float64
}

// NewOpenAI builds a streaming chat-completions backend.
func NewOpenAI(cfg OpenAIConfig) (Backend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
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
	client := openai.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = "gpt-4o"
	}
	return &openaiBackend{
		completions: &client.Chat.Completions,
		model:       name,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

type toolCallAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

func (b *openaiBackend) Stream(ctx context.Context, req Request, emit func(Chunk) error) (*Response, error) {
	params := b.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := b.completions.NewStreaming(ctx, params)
	if stream == nil {
		return nil, Classify(providerOpenAI, errors.New("stream not available"))
	}
	defer stream.Close()

	var (
		content      strings.Builder
		reasoning    strings.Builder
		calls        = make(map[int]*toolCallAccumulator)
		usage        Usage
		finishReason string
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = Usage{InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens)}
			u := usage
			if err := emit(Chunk{Kind: ChunkUsage, Usage: &u}); err != nil {
				return nil, err
			}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			delta := choice.Delta
			if rc := reasoningContent(delta.RawJSON()); rc != "" {
				reasoning.WriteString(rc)
				if err := emit(Chunk{Kind: ChunkReasoning, Text: rc}); err != nil {
					return nil, err
				}
			}
			if delta.Content != "" {
				content.WriteString(delta.Content)
				if err := emit(Chunk{Kind: ChunkText, Text: delta.Content}); err != nil {
					return nil, err
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				acc, ok := calls[idx]
				if !ok {
					acc = &toolCallAccumulator{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.arguments.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, Classify(providerOpenAI, err)
	}

	indices := make([]int, 0, len(calls))
	for idx := range calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	var toolCalls []message.ToolCall
	for _, idx := range indices {
		acc := calls[idx]
		if acc.id == "" || acc.name == "" {
			continue
		}
		call := message.ToolCall{ID: acc.id, Name: acc.name, Arguments: decodeArguments([]byte(acc.arguments.String()))}
		toolCalls = append(toolCalls, call)
		if err := emit(Chunk{Kind: ChunkToolCall, ToolCall: &call}); err != nil {
			return nil, err
		}
	}

	return &Response{
		Message:    message.NewAssistant(content.String(), reasoning.String(), toolCalls),
		Usage:      usage,
		StopReason: finishReason,
	}, nil
}

func reasoningContent(raw string) string {
	if raw == "" || !strings.Contains(raw, "reasoning_content") {
		return ""
	}
	var dp map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &dp); err != nil {
		return ""
	}
	var s string
	if rc, ok := dp["reasoning_content"]; ok && json.Unmarshal(rc, &s) == nil {
		return s
	}
	return ""
}

func (b *openaiBackend) buildParams(req Request) openai.ChatCompletionNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(b.model),
		Messages:            convertToOpenAI(req.System, req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
	}
	if b.temperature != nil {
		params.Temperature = openai.Float(*b.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func convertToOpenAI(system string, msgs []message.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, openai.SystemMessage(s))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case message.RoleAssistant:
			out = append(out, openaiAssistant(msg))
		case message.RoleTool:
			for _, res := range msg.ToolResults() {
				out = append(out, openai.ToolMessage(res.Content, res.CallID))
			}
		default:
			text := msg.Text()
			if strings.TrimSpace(text) == "" {
				text = "."
			}
			out = append(out, openai.UserMessage(text))
		}
	}
	if len(out) == 0 {
		out = append(out, openai.UserMessage("."))
	}
	return out
}

func openaiAssistant(msg message.Message) openai.ChatCompletionMessageParamUnion {
	p := openai.ChatCompletionAssistantMessageParam{}
	if text := msg.Text(); strings.TrimSpace(text) != "" {
		p.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	for _, call := range msg.ToolCalls() {
		args, _ := json.Marshal(call.Arguments)
		if call.Arguments == nil {
			args = []byte("{}")
		}
		p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(args),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &p}
}

func openaiTools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		params := shared.FunctionParameters(spec.Schema)
		if len(params) == 0 {
			params = shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
		}
		tool := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       spec.Name,
				Parameters: params,
			},
		}
		if d := strings.TrimSpace(spec.Description); d != "" {
			tool.Function.Description = openai.Opt(d)
		}
		out = append(out, tool)
	}
	return out
}
