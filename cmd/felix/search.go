package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felix-agent/felix/internal/workspace"
	"github.com/felix-agent/felix/pkg/memindex"
)

const searchHTTPTimeout = 5 * time.Second

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		local bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search MEMORY.md and the daily logs",
		Long: `Search memory through the running gateway, which uses hybrid search when
semantic memory is enabled. Without a gateway (or with --local) the workspace
index is refreshed and searched directly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			ctx := cmd.Context()

			if !local {
				results, err := searchGateway(ctx, "http://"+readyAddr(cfg), query, limit)
				if err == nil {
					printResults(cmd.OutOrStdout(), query, results)
					return nil
				}
				slog.Debug("gateway search unavailable, searching locally", "error", err)
			}

			results, err := searchLocal(ctx, cfg.Workspace, query, limit)
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), query, results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", memindex.DefaultLimit, "Maximum number of results")
	cmd.Flags().BoolVar(&local, "local", false, "Search the workspace index without the gateway")
	return cmd
}

type searchReply struct {
	Results []memindex.Result `json:"results"`
	Error   string            `json:"error"`
}

func searchGateway(ctx context.Context, base, query string, limit int) ([]memindex.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, searchHTTPTimeout)
	defer cancel()

	u := base + "/v1/search?" + url.Values{"q": {query}, "limit": {strconv.Itoa(limit)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply searchReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode search reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway search returned %d: %s", resp.StatusCode, reply.Error)
	}
	return reply.Results, nil
}

func searchLocal(ctx context.Context, root, query string, limit int) ([]memindex.Result, error) {
	ws, err := workspace.Layout(root)
	if err != nil {
		return nil, err
	}
	idx, err := memindex.Open(ws.SearchDB)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	if _, err := idx.IndexAll(ctx, ws.MemoryFile, ws.MemoryDir); err != nil {
		return nil, fmt.Errorf("refresh index: %w", err)
	}
	return idx.Search(ctx, query, limit)
}

func printResults(w io.Writer, query string, results []memindex.Result) {
	if len(results) == 0 {
		fmt.Fprintf(w, "No memories found for %q\n", query)
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s %s\n  %s\n",
			refStyle.Render(r.Ref()),
			dimStyle.Render(fmt.Sprintf("(%.2f)", r.Score)),
			r.Snippet,
		)
	}
}
