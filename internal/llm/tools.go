package llm

import (
	"encoding/json"
)

// Content block types used in tool conversations.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ToolDefinition describes a tool the LLM can call. InputSchema holds the
// JSON-schema properties of the tool's object input.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

type ContentBlock struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolMessage is one turn of the tool conversation that follows the
// request's plain messages.
type ToolMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// schemaObject wraps a definition's properties as a JSON-schema object.
func (d ToolDefinition) schemaObject() map[string]any {
	props := make(map[string]any, len(d.InputSchema))
	for k, v := range d.InputSchema {
		props[k] = v
	}
	obj := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(d.Required) > 0 {
		obj["required"] = d.Required
	}
	return obj
}
