// Package workspace lays out the agent's on-disk home: session logs, long-term
// memory, daily logs, agent instructions and the search index.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// InitialMemory seeds a fresh MEMORY.md.
	InitialMemory = "# Memory\n\nLong-term facts and memories.\n"

	// MaxAgentsChars caps AGENTS.md before it is prepended to the prompt.
	MaxAgentsChars = 20000

	truncatedMarker = "\n\n[Content truncated]"
	promptSeparator = "\n\n---\n\n"
	isoMillis       = "2006-01-02T15:04:05.000Z07:00"
)

// Workspace holds resolved paths under one root.
type Workspace struct {
	Root        string
	SessionsDir string
	MemoryDir   string
	MemoryFile  string
	AgentsFile  string
	ConfigFile  string
	SearchDB    string
}

// Layout resolves paths under root without touching the filesystem.
func Layout(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %q: %w", root, err)
	}
	return &Workspace{
		Root:        abs,
		SessionsDir: filepath.Join(abs, "sessions"),
		MemoryDir:   filepath.Join(abs, "memory"),
		MemoryFile:  filepath.Join(abs, "MEMORY.md"),
		AgentsFile:  filepath.Join(abs, "AGENTS.md"),
		ConfigFile:  filepath.Join(abs, "config.json"),
		SearchDB:    filepath.Join(abs, "search.db"),
	}, nil
}

// Init creates the workspace directories and seeds MEMORY.md if missing.
func Init(root string) (*Workspace, error) {
	ws, err := Layout(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{ws.SessionsDir, ws.MemoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(ws.MemoryFile); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(ws.MemoryFile, []byte(InitialMemory), 0o644); err != nil {
			return nil, fmt.Errorf("seed MEMORY.md: %w", err)
		}
	}
	return ws, nil
}

// ReadMemory returns MEMORY.md, or "" if it cannot be read.
func (w *Workspace) ReadMemory() string {
	data, err := os.ReadFile(w.MemoryFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to read MEMORY.md", "error", err)
		}
		return ""
	}
	return string(data)
}

// WriteMemory replaces MEMORY.md.
func (w *Workspace) WriteMemory(content string) error {
	if err := os.WriteFile(w.MemoryFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write MEMORY.md: %w", err)
	}
	return nil
}

// AppendMemory adds content to MEMORY.md, separated by a blank line when the
// file does not already end in a newline.
func (w *Workspace) AppendMemory(content string) error {
	existing := w.ReadMemory()
	sep := ""
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		sep = "\n\n"
	}
	return w.WriteMemory(existing + sep + content)
}

// DailyLogPath is memory/YYYY-MM-DD.md for the UTC date of t.
func (w *Workspace) DailyLogPath(t time.Time) string {
	return filepath.Join(w.MemoryDir, t.UTC().Format("2006-01-02")+".md")
}

// ReadDailyLog returns the log for t's date, or "".
func (w *Workspace) ReadDailyLog(t time.Time) string {
	data, err := os.ReadFile(w.DailyLogPath(t))
	if err != nil {
		return ""
	}
	return string(data)
}

// AppendDailyLog appends a timestamped entry to the log for now's date.
func (w *Workspace) AppendDailyLog(content string, now time.Time) error {
	path := w.DailyLogPath(now)
	existing := w.ReadDailyLog(now)
	sep := ""
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		sep = "\n"
	}
	entry := fmt.Sprintf("%s## %s\n\n%s\n", sep, now.UTC().Format(isoMillis), content)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append daily log: %w", err)
	}
	return nil
}

// MemoryFiles lists the markdown files in the memory directory, sorted.
func (w *Workspace) MemoryFiles() ([]string, error) {
	entries, err := os.ReadDir(w.MemoryDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// AgentsInstructions returns AGENTS.md capped at MaxAgentsChars, or "".
func (w *Workspace) AgentsInstructions() string {
	data, err := os.ReadFile(w.AgentsFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to load AGENTS.md", "error", err)
		}
		return ""
	}
	content := string(data)
	if n := utf8.RuneCountInString(content); n > MaxAgentsChars {
		slog.Info("AGENTS.md truncated", "chars", n, "max", MaxAgentsChars)
		return string([]rune(content)[:MaxAgentsChars]) + truncatedMarker
	}
	return content
}

// SystemPrompt prefixes base with AGENTS.md when present.
func (w *Workspace) SystemPrompt(base string) string {
	agents := w.AgentsInstructions()
	if agents == "" {
		return base
	}
	return agents + promptSeparator + base
}
