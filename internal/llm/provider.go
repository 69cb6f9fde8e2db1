// Package llm provides the model-call collaborator: provider interfaces, the
// OpenRouter and Anthropic implementations, and an ordered fallback router.
package llm

import (
	"context"
	"errors"
	"log/slog"
)

// StopToolUse is the normalized stop reason when the model requests tools.
const StopToolUse = "tool_use"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"` // empty uses the provider's model
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g. "openrouter", "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider is a Provider that can offer tools to the model.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error)
}

// StreamEvent is one item of a streamed reply. The channel is closed after the
// last event; an event with Err set is always last.
type StreamEvent struct {
	Delta string
	Err   error
}

// StreamProvider is a Provider that can stream reply text.
type StreamProvider interface {
	Provider
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// Router tries providers in order, falling back to the next on failure.
type Router struct {
	providers []Provider
}

// NewRouter creates a router over the given providers in priority order.
// Nil providers are skipped.
func NewRouter(providers ...Provider) *Router {
	r := &Router{}
	for _, p := range providers {
		if p != nil {
			r.providers = append(r.providers, p)
		}
	}
	return r
}

// Name returns the primary provider's name.
func (r *Router) Name() string {
	if len(r.providers) == 0 {
		return "none"
	}
	return r.providers[0].Name()
}

// Providers returns the configured chain.
func (r *Router) Providers() []Provider {
	return r.providers
}

// Complete sends req to the first provider that succeeds.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProvider
	}
	var lastErr error
	for i, p := range r.providers {
		resp, err := p.Complete(ctx, r.forProvider(i, req))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.shouldFallback(ctx, i, p, err) {
			break
		}
	}
	return nil, lastErr
}

// CompleteWithTools routes a request with tools. Providers that do not
// implement ToolProvider get a plain Complete (tools ignored).
func (r *Router) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProvider
	}
	var lastErr error
	for i, p := range r.providers {
		var (
			resp *CompletionResponse
			err  error
		)
		if tp, ok := p.(ToolProvider); ok {
			resp, err = tp.CompleteWithTools(ctx, r.forProvider(i, req), tools, toolMessages)
		} else {
			resp, err = p.Complete(ctx, r.forProvider(i, req))
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.shouldFallback(ctx, i, p, err) {
			break
		}
	}
	return nil, lastErr
}

// Stream opens a reply stream on the first provider that accepts the request.
// A provider without streaming support yields its whole reply as one event.
// Fallback only happens before the first event is produced.
func (r *Router) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProvider
	}
	var lastErr error
	for i, p := range r.providers {
		preq := r.forProvider(i, req)
		if sp, ok := p.(StreamProvider); ok {
			ch, err := sp.Stream(ctx, preq)
			if err == nil {
				return ch, nil
			}
			lastErr = err
		} else {
			resp, err := p.Complete(ctx, preq)
			if err == nil {
				ch := make(chan StreamEvent, 1)
				ch <- StreamEvent{Delta: resp.Content}
				close(ch)
				return ch, nil
			}
			lastErr = err
		}
		if !r.shouldFallback(ctx, i, p, lastErr) {
			break
		}
	}
	return nil, lastErr
}

// HasToolProvider reports whether the primary provider supports tools.
func (r *Router) HasToolProvider() bool {
	if len(r.providers) == 0 {
		return false
	}
	_, ok := r.providers[0].(ToolProvider)
	return ok
}

// forProvider drops an explicit model for fallbacks, which use their own.
func (r *Router) forProvider(i int, req CompletionRequest) CompletionRequest {
	if i > 0 {
		req.Model = ""
	}
	return req
}

func (r *Router) shouldFallback(ctx context.Context, i int, p Provider, err error) bool {
	if ctx.Err() != nil || i == len(r.providers)-1 {
		return false
	}
	slog.Warn("provider failed, falling back",
		"provider", p.Name(),
		"next", r.providers[i+1].Name(),
		"error", err,
	)
	return true
}

// CollectStream drains a stream into the full reply text.
func CollectStream(ch <-chan StreamEvent, onDelta func(string)) (string, error) {
	var full []byte
	for ev := range ch {
		if ev.Err != nil {
			return string(full), ev.Err
		}
		full = append(full, ev.Delta...)
		if onDelta != nil && ev.Delta != "" {
			onDelta(ev.Delta)
		}
	}
	return string(full), nil
}

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = &ProviderError{Message: "no LLM provider configured"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// IsNoProvider reports whether err is ErrNoProvider.
func IsNoProvider(err error) bool {
	return errors.Is(err, ErrNoProvider)
}
