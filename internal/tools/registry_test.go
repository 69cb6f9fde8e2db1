package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/felix-agent/felix/internal/llm"
)

type scriptedCompleter struct {
	responses []*llm.CompletionResponse
	calls     int
	seen      [][]llm.ToolMessage
}

func (s *scriptedCompleter) CompleteWithTools(_ context.Context, _ llm.CompletionRequest, _ []llm.ToolDefinition, msgs []llm.ToolMessage) (*llm.CompletionResponse, error) {
	s.seen = append(s.seen, append([]llm.ToolMessage(nil), msgs...))
	if s.calls >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func echoTool(name string) ToolExecutor {
	return toolExecutor{
		definition: llm.ToolDefinition{Name: name},
		run: func(_ context.Context, input map[string]any) (string, error) {
			return "echo:" + stringArg(input, "text"), nil
		},
	}
}

func toolUse(id, name, input string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Input: json.RawMessage(input)}},
	}
}

func TestRunLoop(t *testing.T) {
	c := &scriptedCompleter{responses: []*llm.CompletionResponse{
		toolUse("t1", "echo", `{"text":"hi"}`),
		{Content: "done", StopReason: "end_turn"},
	}}
	r := NewRegistry(echoTool("echo"))

	out, err := r.RunLoop(context.Background(), c, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if out.Content != "done" {
		t.Errorf("Content = %q", out.Content)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "echo" || out.ToolCalls[0].Result != "echo:hi" {
		t.Errorf("ToolCalls = %+v", out.ToolCalls)
	}
	if out.ToolCalls[0].Arguments != `{"text":"hi"}` {
		t.Errorf("Arguments = %q", out.ToolCalls[0].Arguments)
	}

	second := c.seen[1]
	if len(second) != 2 || second[0].Role != "assistant" || second[1].Role != "user" {
		t.Fatalf("second turn messages = %+v", second)
	}
	res := second[1].Content[0].ToolResult
	if res == nil || res.ToolCallID != "t1" || res.IsError {
		t.Errorf("tool result = %+v", res)
	}
}

func TestRunLoopExceedsTurns(t *testing.T) {
	var script []*llm.CompletionResponse
	for i := 0; i < maxToolTurns+1; i++ {
		script = append(script, toolUse("t", "echo", `{}`))
	}
	r := NewRegistry(echoTool("echo"))
	_, err := r.RunLoop(context.Background(), &scriptedCompleter{responses: script}, llm.CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("err = %v, want turn limit error", err)
	}
}

func TestRunLoopCompleterError(t *testing.T) {
	r := NewRegistry()
	_, err := r.RunLoop(context.Background(), &scriptedCompleter{}, llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), llm.ToolCall{ID: "x", Name: "nope"})
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteTimeout(t *testing.T) {
	slow := toolExecutor{
		definition: llm.ToolDefinition{Name: "slow"},
		timeout:    20 * time.Millisecond,
		run: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	res := NewRegistry(slow).Execute(context.Background(), llm.ToolCall{ID: "s", Name: "slow"})
	if !res.IsError || !strings.Contains(res.Content, "deadline") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteBadInput(t *testing.T) {
	res := NewRegistry(echoTool("echo")).Execute(context.Background(),
		llm.ToolCall{ID: "e", Name: "echo", Input: json.RawMessage(`not json`)})
	if !res.IsError {
		t.Errorf("result = %+v, want error", res)
	}
}

func TestRegistryAddReplaces(t *testing.T) {
	r := NewRegistry(echoTool("a"), echoTool("b"))
	r.Add(echoTool("a"))
	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Errorf("Names = %s", got)
	}
}

func TestDefaults(t *testing.T) {
	r := Defaults(t.TempDir(), nil)
	want := "read,write,edit,ls,glob,grep,webfetch"
	if got := strings.Join(r.Names(), ","); got != want {
		t.Errorf("Names = %s, want %s", got, want)
	}
}
