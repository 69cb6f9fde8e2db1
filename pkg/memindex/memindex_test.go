package memindex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		if strings.Contains(err.Error(), "fts5") {
			t.Skipf("fts5 unavailable: %v", err)
		}
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestMatchExpr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"   ", ""},
		{"coffee", `"coffee"*`},
		{"dark  roast", `"dark"* "roast"*`},
		{`say "hi"`, `"say"* """hi"""*`},
	}
	for _, tt := range tests {
		if got := matchExpr(tt.in); got != tt.want {
			t.Errorf("matchExpr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIndexFileAndSearch(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()

	content := "# Memory\n\nUser prefers dark roast coffee.\n   \nThe cat is named Miso.\n"
	n, err := x.IndexFile(ctx, "/ws/MEMORY.md", content)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if n != 3 {
		t.Errorf("indexed %d lines, want 3", n)
	}

	results, err := x.Search(ctx, "coff", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want 1", results)
	}
	r := results[0]
	if r.Snippet != "User prefers dark roast coffee." || r.LineNumber != 3 || r.FilePath != "/ws/MEMORY.md" {
		t.Errorf("result = %+v", r)
	}
	if r.Score <= 0 || r.Score > 1 {
		t.Errorf("Score = %v, want in (0, 1]", r.Score)
	}
	if r.Ref() != "/ws/MEMORY.md:3" {
		t.Errorf("Ref() = %q", r.Ref())
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	x := openTestIndex(t)
	results, err := x.Search(context.Background(), "  ", 5)
	if err != nil || len(results) != 0 {
		t.Errorf("Search(blank) = %v, %v; want empty", results, err)
	}
}

func TestIndexFileReplaces(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()

	x.IndexFile(ctx, "a.md", "old fact about penguins")
	x.IndexFile(ctx, "a.md", "new fact about otters")

	if got, _ := x.Search(ctx, "penguins", 5); len(got) != 0 {
		t.Errorf("stale line still indexed: %+v", got)
	}
	if got, _ := x.Search(ctx, "otters", 5); len(got) != 1 {
		t.Errorf("new line missing: %+v", got)
	}
	if lines, files := x.Stats(ctx); lines != 1 || files != 1 {
		t.Errorf("Stats = %d lines, %d files", lines, files)
	}
}

func TestIndexAll(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()
	root := t.TempDir()
	memFile := filepath.Join(root, "MEMORY.md")
	memDir := filepath.Join(root, "memory")
	os.MkdirAll(memDir, 0o755)
	os.WriteFile(memFile, []byte("# Memory\nlikes hiking\n"), 0o644)
	os.WriteFile(filepath.Join(memDir, "2026-01-02.md"), []byte("## log\nwent hiking today\n"), 0o644)
	os.WriteFile(filepath.Join(memDir, "notes.txt"), []byte("hiking ignored\n"), 0o644)

	rep, err := x.IndexAll(ctx, memFile, memDir)
	if err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if rep.Files != 2 || rep.Lines != 4 {
		t.Errorf("Report = %+v, want 2 files, 4 lines", rep)
	}
	if got, _ := x.Search(ctx, "hiking", 10); len(got) != 2 {
		t.Errorf("Search(hiking) = %+v, want 2", got)
	}

	os.Remove(filepath.Join(memDir, "2026-01-02.md"))
	if _, err := x.IndexAll(ctx, memFile, memDir); err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if got, _ := x.Search(ctx, "hiking", 10); len(got) != 1 {
		t.Errorf("deleted file not pruned: %+v", got)
	}
}

func TestLines(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()
	x.IndexFile(ctx, "b.md", "second")
	x.IndexFile(ctx, "a.md", "one\n\nthree")

	lines, err := x.Lines(ctx)
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	var refs []string
	for _, l := range lines {
		refs = append(refs, l.Ref)
	}
	if got := strings.Join(refs, ","); got != "a.md:1,a.md:3,b.md:1" {
		t.Errorf("refs = %s", got)
	}
}
