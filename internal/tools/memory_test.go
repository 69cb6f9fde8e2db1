package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/felix-agent/felix/pkg/memindex"
)

type stubSearcher struct {
	results []memindex.Result
	query   string
	limit   int
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) ([]memindex.Result, error) {
	s.query, s.limit = query, limit
	return s.results, nil
}

func TestMemorySearchTool(t *testing.T) {
	s := &stubSearcher{results: []memindex.Result{
		{Snippet: "likes tea", FilePath: "MEMORY.md", LineNumber: 2, Score: 0.5},
	}}
	tool := MemorySearchTool(s)

	raw, _ := json.Marshal(map[string]any{"query": "tea", "limit": 3})
	out, err := tool.Execute(context.Background(), raw)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "MEMORY.md:2 (0.50): likes tea" {
		t.Errorf("out = %q", out)
	}
	if s.query != "tea" || s.limit != 3 {
		t.Errorf("searched %q limit %d", s.query, s.limit)
	}

	s.results = nil
	out, _ = tool.Execute(context.Background(), raw)
	if out != "No memories found" {
		t.Errorf("empty out = %q", out)
	}

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"query":"  "}`))
	if err == nil || !strings.Contains(err.Error(), "query") {
		t.Errorf("blank query err = %v", err)
	}
}
