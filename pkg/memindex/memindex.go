// Package memindex provides full-text search over the agent's memory files.
//
// Each non-empty line of MEMORY.md and memory/*.md is stored as a row of an
// SQLite FTS5 table (porter stemming) and ranked with bm25.
package memindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// DefaultLimit is the number of results Search returns when limit <= 0.
const DefaultLimit = 5

// Result is one matching memory line.
type Result struct {
	Snippet    string  `json:"snippet"`
	FilePath   string  `json:"filePath"`
	LineNumber int     `json:"lineNumber"`
	Score      float64 `json:"score"` // higher is more relevant
}

// Ref is the stable identity of the line: "<file>:<line>".
func (r Result) Ref() string {
	return LineRef(r.FilePath, r.LineNumber)
}

// LineRef builds the identity used to join index lines with embeddings.
func LineRef(filePath string, line int) string {
	return fmt.Sprintf("%s:%d", filePath, line)
}

// Searcher is anything that can answer memory queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Line is one indexed memory line.
type Line struct {
	Ref        string
	FilePath   string
	LineNumber int
	Content    string
}

// Report summarizes an IndexAll run.
type Report struct {
	Files int `json:"files"`
	Lines int `json:"lines"`
}

// Index is the FTS5 memory index stored in search.db.
type Index struct {
	db   *sql.DB
	path string
}

// Open opens or creates the index database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open search db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping search db: %w", err)
	}

	_, err = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		content,
		file_path,
		line_number,
		tokenize='porter'
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create memory_fts: %w", err)
	}

	return &Index{db: db, path: path}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Path returns the database file path.
func (x *Index) Path() string {
	return x.path
}

// Stats returns the number of indexed lines and distinct files.
func (x *Index) Stats(ctx context.Context) (lines, files int) {
	x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_fts").Scan(&lines)
	x.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT file_path) FROM memory_fts").Scan(&files)
	return lines, files
}

// IndexFile replaces every row for filePath with the trimmed, non-empty lines
// of content. Line numbers are 1-based positions in content.
func (x *Index) IndexFile(ctx context.Context, filePath, content string) (int, error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_fts WHERE file_path = ?", filePath); err != nil {
		return 0, fmt.Errorf("clear %s: %w", filePath, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO memory_fts (content, file_path, line_number) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, line, filePath, i+1); err != nil {
			return 0, fmt.Errorf("index %s:%d: %w", filePath, i+1, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit index: %w", err)
	}
	return n, nil
}

// IndexAll indexes memoryFile and every *.md file in memoryDir. Rows for files
// that no longer exist are removed.
func (x *Index) IndexAll(ctx context.Context, memoryFile, memoryDir string) (Report, error) {
	var rep Report
	paths := []string{memoryFile}
	entries, err := os.ReadDir(memoryDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return rep, fmt.Errorf("list memory dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			paths = append(paths, filepath.Join(memoryDir, e.Name()))
		}
	}

	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.Warn("skipping unreadable memory file", "path", p, "error", err)
			continue
		}
		n, err := x.IndexFile(ctx, p, string(data))
		if err != nil {
			return rep, err
		}
		present[p] = true
		rep.Files++
		rep.Lines += n
	}

	if err := x.prune(ctx, present); err != nil {
		return rep, err
	}
	return rep, nil
}

func (x *Index) prune(ctx context.Context, keep map[string]bool) error {
	rows, err := x.db.QueryContext(ctx, "SELECT DISTINCT file_path FROM memory_fts")
	if err != nil {
		return fmt.Errorf("list indexed files: %w", err)
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("scan indexed file: %w", err)
		}
		if !keep[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()

	for _, p := range stale {
		if _, err := x.db.ExecContext(ctx, "DELETE FROM memory_fts WHERE file_path = ?", p); err != nil {
			return fmt.Errorf("prune %s: %w", p, err)
		}
	}
	return nil
}

// Search returns up to limit lines matching every word of query as a prefix,
// best first. An empty query returns nothing.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	match := matchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := x.db.QueryContext(ctx, `SELECT content, file_path, line_number, bm25(memory_fts) AS score
		FROM memory_fts
		WHERE memory_fts MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var bm25 float64
		if err := rows.Scan(&r.Snippet, &r.FilePath, &r.LineNumber, &bm25); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Score = 1 / (1 + math.Abs(bm25))
		results = append(results, r)
	}
	return results, rows.Err()
}

// matchExpr turns free text into an FTS5 query of quoted prefix terms.
func matchExpr(query string) string {
	words := strings.Fields(query)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+strings.ReplaceAll(w, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " ")
}

// Lines returns every indexed line ordered by file and line number.
func (x *Index) Lines(ctx context.Context) ([]Line, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT content, file_path, line_number FROM memory_fts")
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.Content, &l.FilePath, &l.LineNumber); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.Ref = LineRef(l.FilePath, l.LineNumber)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].FilePath != lines[j].FilePath {
			return lines[i].FilePath < lines[j].FilePath
		}
		return lines[i].LineNumber < lines[j].LineNumber
	})
	return lines, nil
}
