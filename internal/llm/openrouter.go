package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultOpenRouterURL is the OpenRouter OpenAI-compatible endpoint.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider talks to OpenRouter, or any OpenAI-compatible API, via
// the openai-go client.
type OpenRouterProvider struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenRouter creates a provider for an OpenAI-compatible endpoint.
func NewOpenRouter(baseURL, apiKey, model string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithHeader("X-Title", "felix"),
		option.WithMaxRetries(1),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = "openrouter/auto"
	}
	return &OpenRouterProvider{
		client: openai.NewClient(opts...),
		model:  model,
		name:   "openrouter",
	}
}

func (p *OpenRouterProvider) Name() string { return p.name }

// Model returns the provider's default model.
func (p *OpenRouterProvider) Model() string { return p.model }

func (p *OpenRouterProvider) params(req CompletionRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "user":
			msgs = append(msgs, openai.UserMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:     model,
		Messages:  msgs,
		MaxTokens: openai.Int(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, p.wrapErr(err)
	}
	return p.convert(resp)
}

// CompleteWithTools sends a completion with tool definitions. toolMessages
// carry the tool-call turns after the initial messages.
func (p *OpenRouterProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	params := p.params(req)
	params.Messages = append(params.Messages, openAIToolMessages(toolMessages)...)

	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.schemaObject()),
				},
			},
		})
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	return p.convert(resp)
}

// Stream streams reply text deltas over a channel.
func (p *OpenRouterProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, p.wrapErr(err)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- StreamEvent{Delta: chunk.Choices[0].Delta.Content}:
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

func (p *OpenRouterProvider) convert(resp *openai.ChatCompletion) (*CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Message: "response has no choices", Provider: p.name}
	}
	choice := resp.Choices[0]
	out := &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		StopReason:   choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: []byte(args),
		})
	}
	if out.StopReason == "tool_calls" || len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func (p *OpenRouterProvider) wrapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", apiErr.StatusCode, apiErr.Message),
			StatusCode: apiErr.StatusCode,
			Provider:   p.name,
		}
	}
	return &ProviderError{Message: err.Error(), Provider: p.name}
}

// openAIToolMessages maps tool conversation turns onto OpenAI messages: an
// assistant message carrying tool_calls, then one tool message per result.
func openAIToolMessages(toolMessages []ToolMessage) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, tm := range toolMessages {
		switch tm.Role {
		case "assistant":
			var text string
			var calls []openai.ChatCompletionMessageToolCallUnionParam
			for _, b := range tm.Content {
				switch b.Type {
				case BlockText:
					text += b.Text
				case BlockToolUse:
					if b.ToolCall == nil {
						continue
					}
					args := string(b.ToolCall.Input)
					if args == "" {
						args = "{}"
					}
					calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: b.ToolCall.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      b.ToolCall.Name,
								Arguments: args,
							},
						},
					})
				}
			}
			msg := openai.AssistantMessage(text)
			msg.OfAssistant.ToolCalls = calls
			out = append(out, msg)
		case "user":
			for _, b := range tm.Content {
				switch b.Type {
				case BlockToolResult:
					if b.ToolResult != nil {
						out = append(out, openai.ToolMessage(b.ToolResult.Content, b.ToolResult.ToolCallID))
					}
				case BlockText:
					if b.Text != "" {
						out = append(out, openai.UserMessage(b.Text))
					}
				}
			}
		}
	}
	return out
}
