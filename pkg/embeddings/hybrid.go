package embeddings

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/felix-agent/felix/pkg/memindex"
)

const (
	// rrfK is the Reciprocal Rank Fusion smoothing constant.
	rrfK = 60
	// overFetchMultiplier widens each source before fusion.
	overFetchMultiplier = 3
)

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher finds the nearest stored lines to a vector.
type VectorSearcher interface {
	Search(ctx context.Context, queryEmbedding []float32, limit int) ([]SearchResult, error)
}

// FusedResult is one ref with its combined RRF score.
type FusedResult struct {
	Ref   string
	Score float64 // higher is more relevant
}

// Hybrid combines keyword search with vector similarity using RRF. It
// implements memindex.Searcher, so it can stand in for the plain index.
type Hybrid struct {
	keyword  memindex.Searcher
	vectors  VectorSearcher
	embedder QueryEmbedder
}

// NewHybrid builds a hybrid searcher over keyword and vector sources.
func NewHybrid(keyword memindex.Searcher, vectors VectorSearcher, embedder QueryEmbedder) *Hybrid {
	return &Hybrid{keyword: keyword, vectors: vectors, embedder: embedder}
}

// Search runs keyword and vector search in parallel and fuses them. If the
// vector side is unavailable it degrades to keyword-only results.
func (h *Hybrid) Search(ctx context.Context, query string, limit int) ([]memindex.Result, error) {
	if limit <= 0 {
		limit = memindex.DefaultLimit
	}

	queryEmbedding, err := h.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("semantic embed failed, falling back to keyword-only", "error", err)
		return h.keyword.Search(ctx, query, limit)
	}

	fetchLimit := limit * overFetchMultiplier

	var vectorResults []SearchResult
	var keywordResults []memindex.Result
	var vectorErr, keywordErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorResults, vectorErr = h.vectors.Search(ctx, queryEmbedding, fetchLimit)
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = h.keyword.Search(ctx, query, fetchLimit)
	}()
	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, keywordErr
	}
	if vectorErr != nil {
		slog.Warn("vector search failed, using keyword-only", "error", vectorErr)
		return truncate(keywordResults, limit), nil
	}

	byRef := make(map[string]memindex.Result, len(vectorResults)+len(keywordResults))
	vectorRanked := make([]FusedResult, len(vectorResults))
	for i, r := range vectorResults {
		vectorRanked[i] = FusedResult{Ref: r.Ref}
		byRef[r.Ref] = memindex.Result{Snippet: r.Content, FilePath: r.FilePath, LineNumber: r.LineNumber}
	}
	if keywordErr != nil {
		slog.Warn("keyword search failed, using vector-only", "error", keywordErr)
	}
	keywordRanked := make([]FusedResult, len(keywordResults))
	for i, r := range keywordResults {
		keywordRanked[i] = FusedResult{Ref: r.Ref()}
		byRef[r.Ref()] = r
	}

	fused := reciprocalRankFusion([][]FusedResult{vectorRanked, keywordRanked}, rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	results := make([]memindex.Result, 0, len(fused))
	for _, f := range fused {
		r := byRef[f.Ref]
		r.Score = f.Score
		results = append(results, r)
	}
	return results, nil
}

func truncate(rs []memindex.Result, limit int) []memindex.Result {
	if len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

// reciprocalRankFusion merges ranked lists: score(d) = Σ 1/(k + rank_i(d)),
// with 1-based ranks. Ties keep the order in which refs were first seen.
func reciprocalRankFusion(lists [][]FusedResult, k int) []FusedResult {
	scores := make(map[string]float64)
	var order []string
	for _, list := range lists {
		for rank, result := range list {
			if _, seen := scores[result.Ref]; !seen {
				order = append(order, result.Ref)
			}
			scores[result.Ref] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]FusedResult, 0, len(order))
	for _, ref := range order {
		fused = append(fused, FusedResult{Ref: ref, Score: scores[ref]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})
	return fused
}
