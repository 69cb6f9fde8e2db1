package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felix-agent/felix/internal/budget"
	"github.com/felix-agent/felix/internal/llm"
	"github.com/felix-agent/felix/internal/session"
	"github.com/felix-agent/felix/internal/workspace"
)

type charTokenizer struct{}

func (charTokenizer) Count(text string) int { return budget.EstimateChars(text) }

// fakeModel replies with reply (or err). When gate is non-nil every call
// blocks until it is closed; started receives the last user message.
// CompleteWithTools returns script entries first.
type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	deltas   []string
	gate     chan struct{}
	started  chan string
	requests []llm.CompletionRequest
	script   []*llm.CompletionResponse
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) record(req llm.CompletionRequest) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.started != nil && len(req.Messages) > 0 {
		m.started <- req.Messages[len(req.Messages)-1].Content
	}
	if m.gate != nil {
		<-m.gate
	}
}

func (m *fakeModel) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.record(req)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.CompletionResponse{Content: m.reply, StopReason: "end_turn"}, nil
}

func (m *fakeModel) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, _ []llm.ToolDefinition, _ []llm.ToolMessage) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	if len(m.script) > 0 {
		resp := m.script[0]
		m.script = m.script[1:]
		m.mu.Unlock()
		return resp, nil
	}
	m.mu.Unlock()
	return m.Complete(ctx, req)
}

func (m *fakeModel) Stream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	m.record(req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan llm.StreamEvent, len(m.deltas))
	for _, d := range m.deltas {
		ch <- llm.StreamEvent{Delta: d}
	}
	close(ch)
	return ch, nil
}

func (m *fakeModel) request(i int) llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type testEnv struct {
	server *Server
	store  *session.Store
	ws     *workspace.Workspace
	url    string
}

func newTestEnv(t *testing.T, model Model) *testEnv {
	t.Helper()
	ws, err := workspace.Init(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.Init: %v", err)
	}
	store, err := session.NewStore(ws.SessionsDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	p := NewPipeline(store, budget.New(charTokenizer{}), ws, model, nil, PipelineConfig{
		SystemPrompt: "You are a test.",
		Budget:       budget.Config{MaxTokens: 128000, GuardThreshold: 0.8},
	})
	s := NewServer(Options{
		Host:          "127.0.0.1",
		Port:          18789,
		Workspace:     ws.Root,
		Model:         "test/model",
		ContextWindow: 128000,
	}, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{server: s, store: store, ws: ws, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

type msg map[string]any
