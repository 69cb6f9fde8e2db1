// Package service assembles and runs the gateway process: workspace, session
// store, model router, tools, memory search, the index worker, the Matrix
// adapter and the websocket server.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felix-agent/felix/internal/budget"
	"github.com/felix-agent/felix/internal/channel/matrix"
	"github.com/felix-agent/felix/internal/config"
	"github.com/felix-agent/felix/internal/gateway"
	"github.com/felix-agent/felix/internal/llm"
	"github.com/felix-agent/felix/internal/session"
	"github.com/felix-agent/felix/internal/tools"
	"github.com/felix-agent/felix/internal/workspace"
	"github.com/felix-agent/felix/pkg/channel"
	"github.com/felix-agent/felix/pkg/embeddings"
	"github.com/felix-agent/felix/pkg/indexer"
	"github.com/felix-agent/felix/pkg/memindex"
)

const (
	semanticRetries       = 20
	semanticRetryInterval = 30 * time.Second
	semanticInitTimeout   = 10 * time.Second
)

// Service is one gateway process.
type Service struct {
	cfg      *config.Config
	ws       *workspace.Workspace
	router   *llm.Router
	tools    *tools.Registry
	index    *memindex.Index
	search   *memorySearch
	syncer   *embeddingSync
	pipeline *gateway.Pipeline
	server   *gateway.Server
	indexer  *indexer.Worker
	matrix   *matrix.Channel

	embedMu    sync.Mutex
	embedStore *embeddings.Store
}

// New wires a service from cfg. It creates the workspace but opens no
// listener; a search index that fails to open only disables search.
func New(cfg *config.Config, auth *llm.AuthStore) (*Service, error) {
	ws, err := workspace.Init(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(ws.SessionsDir)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		ws:     ws,
		router: NewRouter(cfg, auth),
	}

	var searcher memindex.Searcher
	if cfg.Search.Enabled {
		idx, err := memindex.Open(ws.SearchDB)
		if err != nil {
			slog.Warn("memory search unavailable", "path", ws.SearchDB, "error", err)
		} else {
			s.index = idx
			s.search = &memorySearch{keyword: idx}
			searcher = s.search
		}
	}

	if cfg.LLM.Tools && s.router.HasToolProvider() {
		s.tools = tools.Defaults(ws.Root, searcher)
	}

	s.pipeline = gateway.NewPipeline(store, budget.New(nil), ws, s.router, s.tools, gateway.PipelineConfig{
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.Model,
		MaxTokens:    cfg.LLM.MaxOutput,
		Temperature:  cfg.LLM.Temperature,
		Budget:       budget.Config{MaxTokens: cfg.ContextWindow, GuardThreshold: cfg.GuardThreshold},
		ModelTimeout: time.Duration(cfg.Gateway.ModelTimeoutSec) * time.Second,
	})
	s.server = gateway.NewServer(gateway.Options{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		Workspace:     ws.Root,
		Model:         cfg.Model,
		ContextWindow: cfg.ContextWindow,
	}, s.pipeline, searcher)

	if s.index != nil {
		var syncer indexer.Syncer
		if cfg.Embeddings.Enabled {
			s.syncer = &embeddingSync{}
			syncer = s.syncer
		}
		s.indexer = indexer.NewWorker(s.index, syncer, s.server.PublishEvent, indexer.Config{
			MemoryFile: ws.MemoryFile,
			MemoryDir:  ws.MemoryDir,
			Interval:   parseInterval(cfg.Search.IndexInterval, 5*time.Minute),
		})
		s.pipeline.AfterDailyLog = func() { s.indexer.Trigger("daily-log") }
	}

	if cfg.Matrix.Enabled {
		if cfg.Matrix.Homeserver == "" || cfg.Matrix.ServerName == "" {
			slog.Warn("matrix enabled without homeserver or serverName, skipping")
		} else {
			s.matrix = matrix.New(matrix.Config{
				Homeserver:   cfg.Matrix.Homeserver,
				UserID:       cfg.Matrix.UserID,
				Password:     cfg.Matrix.Password,
				ServerName:   cfg.Matrix.ServerName,
				AllowedUsers: cfg.Matrix.AllowedUsers,
				DataDir:      cfg.Matrix.DataDir,
			})
		}
	}
	return s, nil
}

// Server returns the websocket gateway.
func (s *Service) Server() *gateway.Server { return s.server }

// Run serves until ctx is cancelled. Failing to bind the listener is returned
// at once; background components that fail are logged and left disabled.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	slog.Info("felix gateway starting",
		"workspace", s.ws.Root,
		"provider", s.router.Name(),
		"model", s.cfg.Model,
		"tools", s.tools != nil,
		"search", s.index != nil,
		"matrix", s.matrix != nil,
	)

	if s.indexer != nil {
		go s.indexer.Run(ctx)
		if s.syncer != nil {
			go s.startSemanticMemory(ctx)
		}
	}

	if s.matrix != nil {
		s.server.SetAdapterEnabled(true)
		go func() {
			err := s.matrix.Start(ctx, s.onChatMessage)
			if err != nil && ctx.Err() == nil {
				slog.Error("matrix adapter stopped", "error", err)
			}
			s.server.SetAdapterEnabled(false)
		}()
		defer s.matrix.Stop()
	}

	if err := s.server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	slog.Info("felix gateway stopped")
	return nil
}

func (s *Service) onChatMessage(ctx context.Context, msg channel.Message) (string, error) {
	return s.server.Submit(ctx, msg.SessionID(), msg.Content)
}

// startSemanticMemory connects pgvector, retrying while Postgres is not up
// yet, then switches search to hybrid and starts the sync worker.
func (s *Service) startSemanticMemory(ctx context.Context) {
	e := s.cfg.Embeddings
	if e.PostgresURL == "" || e.TEIURL == "" {
		slog.Warn("embeddings enabled without postgresUrl or teiUrl, skipping")
		return
	}

	for attempt := 1; attempt <= semanticRetries; attempt++ {
		store, err := s.connectEmbeddings(ctx)
		if err == nil {
			tei := embeddings.NewTEIClient(e.TEIURL)
			if err := tei.Health(ctx); err != nil {
				slog.Warn("TEI not healthy yet, sync will retry", "url", e.TEIURL, "error", err)
			}
			worker := embeddings.NewSyncWorker(s.index, store, tei,
				parseInterval(e.SyncInterval, 30*time.Second), e.BatchSize)
			s.syncer.set(worker)
			s.search.upgrade(embeddings.NewHybrid(s.index, store, tei))
			slog.Info("semantic memory ready", "tei", e.TEIURL)
			s.server.PublishEvent(indexer.EventStatus, "Semantic memory ready")
			worker.Run(ctx)
			return
		}
		slog.Warn("semantic memory unavailable", "attempt", attempt, "max", semanticRetries, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(semanticRetryInterval):
		}
	}
	slog.Error("semantic memory permanently unavailable", "attempts", semanticRetries)
}

func (s *Service) connectEmbeddings(ctx context.Context) (*embeddings.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, semanticInitTimeout)
	defer cancel()

	store, err := embeddings.NewStore(ctx, s.cfg.Embeddings.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	s.embedMu.Lock()
	s.embedStore = store
	s.embedMu.Unlock()
	return store, nil
}

func (s *Service) close() {
	s.embedMu.Lock()
	if s.embedStore != nil {
		s.embedStore.Close()
		s.embedStore = nil
	}
	s.embedMu.Unlock()
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			slog.Warn("close search index", "error", err)
		}
	}
}

func parseInterval(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid interval, using default", "value", s, "default", def)
		return def
	}
	return d
}

// memorySearch serves keyword results until semantic memory comes up, then
// hybrid results.
type memorySearch struct {
	mu      sync.RWMutex
	keyword memindex.Searcher
	hybrid  memindex.Searcher
}

func (m *memorySearch) Search(ctx context.Context, query string, limit int) ([]memindex.Result, error) {
	m.mu.RLock()
	s := m.keyword
	if m.hybrid != nil {
		s = m.hybrid
	}
	m.mu.RUnlock()
	return s.Search(ctx, query, limit)
}

func (m *memorySearch) upgrade(h memindex.Searcher) {
	m.mu.Lock()
	m.hybrid = h
	m.mu.Unlock()
}

// embeddingSync lets the index worker call a sync worker that may not
// exist yet.
type embeddingSync struct {
	mu     sync.RWMutex
	worker *embeddings.SyncWorker
}

func (e *embeddingSync) SyncOnce(ctx context.Context) (embeddings.SyncReport, error) {
	e.mu.RLock()
	w := e.worker
	e.mu.RUnlock()
	if w == nil {
		return embeddings.SyncReport{}, nil
	}
	return w.SyncOnce(ctx)
}

func (e *embeddingSync) set(w *embeddings.SyncWorker) {
	e.mu.Lock()
	e.worker = w
	e.mu.Unlock()
}
