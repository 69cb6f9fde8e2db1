package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felix-agent/felix/internal/llm"
	"github.com/felix-agent/felix/pkg/memindex"
)

// MemorySearchTool lets the model look up long-term memory lines.
func MemorySearchTool(s memindex.Searcher) ToolExecutor {
	return toolExecutor{
		definition: llm.ToolDefinition{
			Name:        "memory_search",
			Description: "Search long-term memory (MEMORY.md and daily logs) for relevant facts.",
			InputSchema: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Words to search for",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of results (default: 5)",
				},
			},
			Required: []string{"query"},
		},
		run: func(ctx context.Context, input map[string]any) (string, error) {
			query := strings.TrimSpace(stringArg(input, "query"))
			if query == "" {
				return "", errors.New("missing required parameter: query")
			}
			results, err := s.Search(ctx, query, intArg(input, "limit"))
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No memories found", nil
			}
			var b strings.Builder
			for _, r := range results {
				fmt.Fprintf(&b, "%s:%d (%.2f): %s\n", r.FilePath, r.LineNumber, r.Score, r.Snippet)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

// Defaults returns the standard tool set for a workspace. search may be nil.
func Defaults(root string, search memindex.Searcher) *Registry {
	r := NewRegistry(FileTools(root)...)
	r.Add(WebFetchTool())
	if search != nil {
		r.Add(MemorySearchTool(search))
	}
	return r
}
