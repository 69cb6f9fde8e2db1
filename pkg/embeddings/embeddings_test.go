package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/felix-agent/felix/pkg/memindex"
)

func TestContentHash(t *testing.T) {
	if got := ContentHash("hello"); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("ContentHash(hello) = %s", got)
	}
	if ContentHash("a") == ContentHash("b") {
		t.Error("different content produced same hash")
	}
}

func TestReciprocalRankFusion(t *testing.T) {
	vector := []FusedResult{{Ref: "a"}, {Ref: "b"}, {Ref: "c"}}
	keyword := []FusedResult{{Ref: "c"}, {Ref: "a"}}

	fused := reciprocalRankFusion([][]FusedResult{vector, keyword}, rrfK)
	if len(fused) != 3 {
		t.Fatalf("fused = %+v", fused)
	}
	if fused[0].Ref != "a" {
		t.Errorf("top = %s, want a (ranks 1 and 2)", fused[0].Ref)
	}
	want := 1.0/61 + 1.0/62
	if math.Abs(fused[0].Score-want) > 1e-12 {
		t.Errorf("score(a) = %v, want %v", fused[0].Score, want)
	}
	if fused[2].Ref != "b" {
		t.Errorf("last = %s, want b", fused[2].Ref)
	}
}

func TestTEIClientEmbed(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			json.NewDecoder(r.Body).Decode(&got)
			out := make([][]float32, len(got.Inputs))
			for i := range out {
				out[i] = []float32{float32(i), 1}
			}
			json.NewEncoder(w).Encode(out)
		case "/health":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewTEIClient(srv.URL + "/")
	vecs, err := c.EmbedDocuments(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("EmbedDocuments: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Errorf("vectors = %v", vecs)
	}
	if len(got.Inputs) != 2 || got.Inputs[0] != PrefixDocument+"one" || !got.Truncate {
		t.Errorf("request = %+v", got)
	}

	if _, err := c.EmbedQuery(context.Background(), "q"); err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if got.Inputs[0] != PrefixQuery+"q" {
		t.Errorf("query input = %q", got.Inputs[0])
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestTEIClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewTEIClient(srv.URL).EmbedQuery(context.Background(), "q")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v", err)
	}
	if err := NewTEIClient(srv.URL).Health(context.Background()); err == nil {
		t.Error("Health should fail on 503")
	}
}

type fakeLines []memindex.Line

func (f fakeLines) Lines(context.Context) ([]memindex.Line, error) { return f, nil }

type fakeVectorStore struct {
	embedded map[string]string
	inserted []Document
	deleted  []string
}

func (s *fakeVectorStore) GetEmbedded(context.Context) (map[string]string, error) {
	return s.embedded, nil
}

func (s *fakeVectorStore) InsertBatch(_ context.Context, docs []Document, _ [][]float32) error {
	s.inserted = append(s.inserted, docs...)
	return nil
}

func (s *fakeVectorStore) DeleteRefs(_ context.Context, refs []string) error {
	s.deleted = append(s.deleted, refs...)
	return nil
}

type fakeEmbedder struct {
	batches int
	fail    bool
}

func (e *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.batches++
	if e.fail {
		return nil, errors.New("tei down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("tei down")
	}
	return []float32{1}, nil
}

func TestSyncOnce(t *testing.T) {
	lines := fakeLines{
		{Ref: "m.md:1", FilePath: "m.md", LineNumber: 1, Content: "unchanged"},
		{Ref: "m.md:2", FilePath: "m.md", LineNumber: 2, Content: "edited"},
		{Ref: "m.md:3", FilePath: "m.md", LineNumber: 3, Content: "new"},
	}
	store := &fakeVectorStore{embedded: map[string]string{
		"m.md:1":   ContentHash("unchanged"),
		"m.md:2":   ContentHash("original"),
		"old.md:9": ContentHash("gone"),
	}}
	emb := &fakeEmbedder{}

	rep, err := NewSyncWorker(lines, store, emb, 0, 1).SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if rep.Embedded != 2 || rep.Pruned != 1 {
		t.Errorf("report = %+v", rep)
	}
	if emb.batches != 2 {
		t.Errorf("batches = %d, want 2 with batch size 1", emb.batches)
	}
	var refs []string
	for _, d := range store.inserted {
		refs = append(refs, d.Ref)
	}
	sort.Strings(refs)
	if strings.Join(refs, ",") != "m.md:2,m.md:3" {
		t.Errorf("inserted = %v", refs)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "old.md:9" {
		t.Errorf("deleted = %v", store.deleted)
	}
}

func TestSyncOnceEmbedFailure(t *testing.T) {
	store := &fakeVectorStore{embedded: map[string]string{}}
	rep, err := NewSyncWorker(fakeLines{{Ref: "a:1", Content: "x"}}, store, &fakeEmbedder{fail: true}, 0, 0).
		SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if rep.Embedded != 0 || len(store.inserted) != 0 {
		t.Errorf("report = %+v, inserted = %v", rep, store.inserted)
	}
}

type fakeKeyword []memindex.Result

func (f fakeKeyword) Search(_ context.Context, _ string, limit int) ([]memindex.Result, error) {
	if len(f) > limit {
		return f[:limit], nil
	}
	return f, nil
}

type fakeVectors struct {
	results []SearchResult
	err     error
}

func (f fakeVectors) Search(context.Context, []float32, int) ([]SearchResult, error) {
	return f.results, f.err
}

func TestHybridSearch(t *testing.T) {
	keyword := fakeKeyword{
		{Snippet: "likes tea", FilePath: "MEMORY.md", LineNumber: 2, Score: 0.9},
		{Snippet: "tea at noon", FilePath: "memory/d.md", LineNumber: 4, Score: 0.5},
	}
	vectors := fakeVectors{results: []SearchResult{
		{Ref: "memory/d.md:4", FilePath: "memory/d.md", LineNumber: 4, Content: "tea at noon"},
		{Ref: "MEMORY.md:7", FilePath: "MEMORY.md", LineNumber: 7, Content: "enjoys green drinks"},
	}}

	h := NewHybrid(keyword, vectors, &fakeEmbedder{})
	results, err := h.Search(context.Background(), "tea", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Ref() != "memory/d.md:4" {
		t.Errorf("top = %s, want the line both sources found", results[0].Ref())
	}
	for _, r := range results {
		if r.Snippet == "" || r.Score <= 0 {
			t.Errorf("incomplete result %+v", r)
		}
	}
}

func TestHybridDegradesToKeyword(t *testing.T) {
	keyword := fakeKeyword{{Snippet: "a", FilePath: "f", LineNumber: 1}, {Snippet: "b", FilePath: "f", LineNumber: 2}}

	h := NewHybrid(keyword, fakeVectors{}, &fakeEmbedder{fail: true})
	results, err := h.Search(context.Background(), "x", 1)
	if err != nil || len(results) != 1 || results[0].Snippet != "a" {
		t.Errorf("embed failure: %+v, %v", results, err)
	}

	h = NewHybrid(keyword, fakeVectors{err: errors.New("pg down")}, &fakeEmbedder{})
	results, err = h.Search(context.Background(), "x", 1)
	if err != nil || len(results) != 1 {
		t.Errorf("vector failure: %+v, %v", results, err)
	}
}
