package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider, ToolProvider and StreamProvider for
// Claude. It serves as the fallback when OpenRouter is unavailable.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic provider with a static API key. baseURL
// may be empty for the public API.
func NewAnthropic(baseURL, apiKey, model string) *AnthropicProvider {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{client: &client, model: model}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the provider's default model.
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) params(req CompletionRequest) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.run(ctx, p.params(req))
}

// CompleteWithTools sends a completion request with tool definitions.
// toolMessages contains the tool conversation after the initial messages.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	params := p.params(req)

	for _, tm := range toolMessages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range tm.Content {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				if b.ToolCall == nil {
					continue
				}
				var input any = map[string]any{}
				if len(b.ToolCall.Input) > 0 {
					if err := json.Unmarshal(b.ToolCall.Input, &input); err != nil {
						input = map[string]any{}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, input, b.ToolCall.Name))
			case BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResult.ToolCallID, b.ToolResult.Content, b.ToolResult.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch tm.Role {
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		case "user":
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, t := range tools {
		props := make(map[string]any, len(t.InputSchema))
		for k, v := range t.InputSchema {
			props[k] = v
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
			},
		})
	}

	return p.run(ctx, params)
}

// run streams the request and accumulates the final message. Streaming keeps
// long requests alive past the SDK's non-streaming timeout; ctx is the only
// deadline.
func (p *AnthropicProvider) run(ctx context.Context, params anthropic.MessageNewParams) (*CompletionResponse, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.Name(),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapErr(err)
	}

	var content string
	var toolCalls []ToolCall
	for _, block := range message.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += v.Text
		case anthropic.ToolUseBlock:
			inputJSON, _ := json.Marshal(v.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:    v.ID,
				Name:  v.Name,
				Input: inputJSON,
			})
		}
	}

	inputTokens := int(message.Usage.InputTokens)
	if inputTokens > 200_000 {
		slog.Warn("request exceeded 200K input tokens",
			"input_tokens", inputTokens,
			"model", string(message.Model),
		)
	}
	return &CompletionResponse{
		Content:      content,
		Model:        string(message.Model),
		InputTokens:  inputTokens,
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
		ToolCalls:    toolCalls,
	}, nil
}

// Stream streams text deltas over a channel.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, p.wrapErr(err)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			ev, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case ch <- StreamEvent{Delta: delta.Text}:
			case <-ctx.Done():
				ch <- StreamEvent{Err: ctx.Err()}
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Err: p.wrapErr(err)}
		}
	}()
	return ch, nil
}

func (p *AnthropicProvider) wrapErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Message:    err.Error(),
			StatusCode: apiErr.StatusCode,
			Provider:   p.Name(),
		}
	}
	return &ProviderError{Message: err.Error(), Provider: p.Name()}
}
