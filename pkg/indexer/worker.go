// Package indexer keeps the memory search index current.
//
// The worker reindexes MEMORY.md and the daily logs on a fixed interval and
// whenever Trigger is called (after each daily-log append), then runs an
// embedding sync if one is configured. Each cycle produces a Report that is
// logged and published through the event callback.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felix-agent/felix/pkg/embeddings"
	"github.com/felix-agent/felix/pkg/memindex"
)

// Event kinds passed to EventFunc.
const (
	EventStatus = "status"
	EventIndex  = "index"
)

// EventFunc receives worker events: kind and human-readable message.
type EventFunc func(kind, message string)

// Index is the part of the memory index the worker drives.
type Index interface {
	IndexAll(ctx context.Context, memoryFile, memoryDir string) (memindex.Report, error)
}

// Syncer pushes index changes into the embedding store.
type Syncer interface {
	SyncOnce(ctx context.Context) (embeddings.SyncReport, error)
}

// Report holds the results of one index cycle.
type Report struct {
	CycleNumber int       `json:"cycle_number"`
	Reason      string    `json:"reason"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
	Files       int       `json:"files"`
	Lines       int       `json:"lines"`
	Embedded    int       `json:"embedded"`
	Pruned      int       `json:"pruned"`
	Errors      []string  `json:"errors,omitempty"`
}

// Config holds worker settings.
type Config struct {
	MemoryFile string
	MemoryDir  string
	Interval   time.Duration // default 5m
}

// Worker is the background index worker.
type Worker struct {
	index    Index
	syncer   Syncer
	onEvent  EventFunc
	cfg      Config
	triggers chan string

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a worker. syncer and onEvent may be nil.
func NewWorker(index Index, syncer Syncer, onEvent EventFunc, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Worker{
		index:    index,
		syncer:   syncer,
		onEvent:  onEvent,
		cfg:      cfg,
		triggers: make(chan string, 1),
	}
}

// Trigger requests a reindex soon. Requests made while one is pending are
// coalesced; Trigger never blocks.
func (w *Worker) Trigger(reason string) {
	select {
	case w.triggers <- reason:
	default:
	}
}

// Run indexes once at startup, then on every tick or trigger until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("index worker started",
		"interval", w.cfg.Interval,
		"embeddings", w.syncer != nil,
	)
	w.emit(EventStatus, "Index worker started")

	w.logReport(w.IndexOnce(ctx, "startup"))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("index worker stopping")
			return
		case <-ticker.C:
			w.logReport(w.IndexOnce(ctx, "interval"))
		case reason := <-w.triggers:
			w.logReport(w.IndexOnce(ctx, reason))
		}
	}
}

// IndexOnce runs a single cycle and returns its report.
func (w *Worker) IndexOnce(ctx context.Context, reason string) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{
		CycleNumber: cycle,
		Reason:      reason,
		StartedAt:   start,
	}

	rep, err := w.index.IndexAll(ctx, w.cfg.MemoryFile, w.cfg.MemoryDir)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("reindex: %v", err))
		slog.Warn("index: reindex failed", "error", err)
	}
	report.Files = rep.Files
	report.Lines = rep.Lines

	if w.syncer != nil && err == nil {
		srep, err := w.syncer.SyncOnce(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("embedding sync: %v", err))
			slog.Warn("index: embedding sync failed", "error", err)
		}
		report.Embedded = srep.Embedded
		report.Pruned = srep.Pruned
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first cycle.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf("Index cycle %d (%s, %s): %d files, %d lines",
		report.CycleNumber, report.Reason, report.Duration, report.Files, report.Lines)
	if w.syncer != nil {
		summary += fmt.Sprintf(", %d embedded, %d pruned", report.Embedded, report.Pruned)
	}
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}

	slog.Debug("index: cycle complete", "summary", summary)
	w.emit(EventIndex, summary)
}

func (w *Worker) emit(kind, message string) {
	if w.onEvent != nil {
		w.onEvent(kind, message)
	}
}
