// Package tools implements the agent's tool collaborator: workspace file
// tools, web fetch, memory search, and the loop that lets the model call them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/felix-agent/felix/internal/llm"
	"github.com/felix-agent/felix/internal/session"
)

const (
	maxToolTurns         = 5
	maxSingleToolTimeout = 10 * time.Second
)

// ToolExecutor is one tool the model may call.
type ToolExecutor interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

type toolExecutor struct {
	definition llm.ToolDefinition
	run        func(ctx context.Context, input map[string]any) (string, error)
	timeout    time.Duration // 0 means maxSingleToolTimeout
}

func (e toolExecutor) Definition() llm.ToolDefinition {
	return e.definition
}

func (e toolExecutor) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	parsed := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return "", fmt.Errorf("parse tool input: %w", err)
		}
	}
	return e.run(ctx, parsed)
}

// Completer is the model side of the tool loop.
type Completer interface {
	CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDefinition, toolMessages []llm.ToolMessage) (*llm.CompletionResponse, error)
}

// Registry holds the tools offered to the model, in a stable order.
type Registry struct {
	order  []ToolExecutor
	byName map[string]ToolExecutor
}

// NewRegistry builds a registry from executors. Later duplicates replace
// earlier ones.
func NewRegistry(executors ...ToolExecutor) *Registry {
	r := &Registry{byName: make(map[string]ToolExecutor, len(executors))}
	for _, e := range executors {
		r.Add(e)
	}
	return r
}

// Add registers one executor.
func (r *Registry) Add(e ToolExecutor) {
	name := e.Definition().Name
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, e)
	} else {
		for i, old := range r.order {
			if old.Definition().Name == name {
				r.order[i] = e
			}
		}
	}
	r.byName[name] = e
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, e := range r.order {
		defs = append(defs, e.Definition())
	}
	return defs
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, e := range r.order {
		names = append(names, e.Definition().Name)
	}
	return names
}

// Execute runs one tool call with its timeout. Failures become error results
// for the model rather than Go errors.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	result := llm.ToolResult{ToolCallID: call.ID}
	executor, ok := r.byName[call.Name]
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		slog.Info("chat tool call", "tool", call.Name, "duration", time.Since(start).Round(time.Millisecond), "is_error", true)
		return result
	}

	timeout := maxSingleToolTimeout
	if te, ok := executor.(toolExecutor); ok && te.timeout > 0 {
		timeout = te.timeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := executor.Execute(toolCtx, call.Input)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
	} else {
		result.Content = content
	}

	slog.Info("chat tool call",
		"tool", call.Name,
		"duration", time.Since(start).Round(time.Millisecond),
		"is_error", result.IsError,
	)
	return result
}

// LoopResult is the outcome of a tool-enabled completion.
type LoopResult struct {
	Content   string
	ToolCalls []session.ToolCall
}

// RunLoop lets the model call tools for up to five turns and returns its
// final text together with every call that was executed. Model calls are
// bounded only by ctx.
func (r *Registry) RunLoop(ctx context.Context, c Completer, req llm.CompletionRequest) (*LoopResult, error) {
	defs := r.Definitions()
	out := &LoopResult{}
	toolMessages := make([]llm.ToolMessage, 0, maxToolTurns*2)
	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := c.CompleteWithTools(ctx, req, defs, toolMessages)
		if err != nil {
			return nil, fmt.Errorf("tool turn %d failed: %w", turn+1, err)
		}

		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			out.Content = resp.Content
			return out, nil
		}

		assistantBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls)+1)
		if resp.Content != "" {
			assistantBlocks = append(assistantBlocks, llm.ContentBlock{Type: llm.BlockText, Text: resp.Content})
		}
		for _, tc := range resp.ToolCalls {
			copyCall := tc
			assistantBlocks = append(assistantBlocks, llm.ContentBlock{Type: llm.BlockToolUse, ToolCall: &copyCall})
		}
		toolMessages = append(toolMessages, llm.ToolMessage{Role: "assistant", Content: assistantBlocks})

		userBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			result := r.Execute(ctx, tc)
			copyResult := result
			userBlocks = append(userBlocks, llm.ContentBlock{Type: llm.BlockToolResult, ToolResult: &copyResult})
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{
				Name:      tc.Name,
				Arguments: string(tc.Input),
				Result:    result.Content,
			})
		}
		toolMessages = append(toolMessages, llm.ToolMessage{Role: "user", Content: userBlocks})
	}

	return nil, fmt.Errorf("tool loop exceeded %d turns", maxToolTurns)
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func intArg(input map[string]any, key string) int {
	switch n := input[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
