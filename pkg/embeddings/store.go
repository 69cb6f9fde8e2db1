package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Dimensions is the vector width of nomic-embed-text.
const Dimensions = 768

// Document is one memory line ready to be stored with its embedding.
type Document struct {
	Ref         string
	FilePath    string
	LineNumber  int
	Content     string
	ContentHash string
}

// SearchResult holds a vector similarity search result.
type SearchResult struct {
	Ref        string
	FilePath   string
	LineNumber int
	Content    string
	Distance   float64 // cosine distance, lower is closer
}

// Store keeps memory line embeddings in PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to pgURL and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Init creates the vector extension, the embeddings table and its HNSW index.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_line_embeddings (
			ref          TEXT PRIMARY KEY,
			file_path    TEXT NOT NULL,
			line_number  INTEGER NOT NULL,
			content      TEXT NOT NULL,
			embedding    vector(%d) NOT NULL,
			content_hash TEXT NOT NULL,
			model_name   TEXT NOT NULL DEFAULT 'nomic-embed-text-v1.5',
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, Dimensions))
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_line_embeddings_hnsw
		ON memory_line_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("embedding store initialized")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertBatch upserts docs with their embeddings in a single transaction.
func (s *Store) InsertBatch(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("mismatched batch sizes: docs=%d embeddings=%d", len(docs), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, d := range docs {
		_, err := tx.Exec(ctx, `
			INSERT INTO memory_line_embeddings (ref, file_path, line_number, content, embedding, content_hash, embedded_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (ref) DO UPDATE
			SET file_path = EXCLUDED.file_path,
				line_number = EXCLUDED.line_number,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				content_hash = EXCLUDED.content_hash,
				embedded_at = now()
		`, d.Ref, d.FilePath, d.LineNumber, d.Content, pgvector.NewVector(embeddings[i]), d.ContentHash)
		if err != nil {
			return fmt.Errorf("insert embedding %s: %w", d.Ref, err)
		}
	}

	return tx.Commit(ctx)
}

// Search returns the limit nearest lines by cosine distance.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
		SELECT ref, file_path, line_number, content, embedding <=> $1 AS distance
		FROM memory_line_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Ref, &r.FilePath, &r.LineNumber, &r.Content, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetEmbedded returns every stored ref with its content hash.
func (s *Store) GetEmbedded(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT ref, content_hash FROM memory_line_embeddings")
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[string]string)
	for rows.Next() {
		var ref, hash string
		if err := rows.Scan(&ref, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[ref] = hash
	}
	return embedded, rows.Err()
}

// DeleteRefs removes embeddings for lines that no longer exist.
func (s *Store) DeleteRefs(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM memory_line_embeddings WHERE ref = ANY($1)", refs)
	if err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Stats returns the number of stored embeddings.
func (s *Store) Stats(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memory_line_embeddings").Scan(&count)
	return
}
