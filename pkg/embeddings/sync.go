package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felix-agent/felix/pkg/memindex"
)

// LineSource lists the memory lines that should have embeddings.
type LineSource interface {
	Lines(ctx context.Context) ([]memindex.Line, error)
}

// VectorStore is the storage side of a sync.
type VectorStore interface {
	GetEmbedded(ctx context.Context) (map[string]string, error)
	InsertBatch(ctx context.Context, docs []Document, embeddings [][]float32) error
	DeleteRefs(ctx context.Context, refs []string) error
}

// DocumentEmbedder turns documents into vectors.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// SyncReport is the outcome of one sync cycle.
type SyncReport struct {
	Embedded int `json:"embedded"`
	Pruned   int `json:"pruned"`
}

// SyncWorker keeps stored embeddings in step with the memory index.
type SyncWorker struct {
	source    LineSource
	store     VectorStore
	embedder  DocumentEmbedder
	interval  time.Duration
	batchSize int

	mu sync.Mutex // one cycle at a time
}

// NewSyncWorker creates a sync worker. Zero interval and batch size fall back
// to 30s and 32.
func NewSyncWorker(source LineSource, store VectorStore, embedder DocumentEmbedder, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		source:    source,
		store:     store,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run syncs once at startup and then on every tick until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	w.cycle(ctx, "initial embedding sync")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			w.cycle(ctx, "embedding sync cycle")
		}
	}
}

func (w *SyncWorker) cycle(ctx context.Context, label string) {
	rep, err := w.SyncOnce(ctx)
	if err != nil {
		slog.Warn(label+" failed", "error", err)
		return
	}
	if rep.Embedded > 0 || rep.Pruned > 0 {
		slog.Info(label, "embedded", rep.Embedded, "pruned", rep.Pruned)
	}
}

// SyncOnce embeds new or changed lines and drops embeddings for lines that
// are gone. A failed batch is logged and skipped; the next cycle retries it.
func (w *SyncWorker) SyncOnce(ctx context.Context) (SyncReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var rep SyncReport

	lines, err := w.source.Lines(ctx)
	if err != nil {
		return rep, fmt.Errorf("list memory lines: %w", err)
	}
	embedded, err := w.store.GetEmbedded(ctx)
	if err != nil {
		return rep, fmt.Errorf("get embedded: %w", err)
	}

	live := make(map[string]bool, len(lines))
	var toEmbed []Document
	for _, l := range lines {
		live[l.Ref] = true
		hash := ContentHash(l.Content)
		if existing, ok := embedded[l.Ref]; !ok || existing != hash {
			toEmbed = append(toEmbed, Document{
				Ref:         l.Ref,
				FilePath:    l.FilePath,
				LineNumber:  l.LineNumber,
				Content:     l.Content,
				ContentHash: hash,
			})
		}
	}

	var stale []string
	for ref := range embedded {
		if !live[ref] {
			stale = append(stale, ref)
		}
	}
	if len(stale) > 0 {
		if err := w.store.DeleteRefs(ctx, stale); err != nil {
			slog.Warn("prune embeddings failed", "error", err, "count", len(stale))
		} else {
			rep.Pruned = len(stale)
		}
	}

	if len(toEmbed) == 0 {
		return rep, nil
	}
	slog.Info("memory lines need embedding",
		"total", len(lines),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	for i := 0; i < len(toEmbed); i += w.batchSize {
		batch := toEmbed[i:min(i+w.batchSize, len(toEmbed))]

		texts := make([]string, len(batch))
		for j, d := range batch {
			texts[j] = d.Content
		}
		vectors, err := w.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}
		if len(vectors) != len(batch) {
			slog.Warn("embed batch size mismatch", "batch_start", i, "want", len(batch), "got", len(vectors))
			continue
		}
		if err := w.store.InsertBatch(ctx, batch, vectors); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		rep.Embedded += len(vectors)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(vectors),
			"total_so_far", rep.Embedded,
		)
	}

	return rep, nil
}

// ContentHash is the md5 hex digest used to detect changed lines.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
