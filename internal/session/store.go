// Package session persists conversations as append-only JSON-lines logs,
// one file per session under the workspace's sessions directory.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Roles a turn may carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall records one tool invocation made while producing a turn.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// Turn is one persisted line of a session log.
type Turn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp int64      `json:"timestamp"` // unix millis
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Message is the role/content projection of a turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Info summarizes one stored session.
type Info struct {
	ID        string
	Turns     int
	UpdatedAt time.Time
}

// PersistenceError wraps a failed log operation.
type PersistenceError struct {
	Op   string // "append", "read", "clear", "list"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID maps a session id onto the safe filename alphabet.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// Store reads and appends session logs in a directory.
type Store struct {
	dir string

	// lastTS keeps timestamps non-decreasing per session within this process.
	mu     sync.Mutex
	lastTS map[string]int64
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "init", Path: dir, Err: err}
	}
	return &Store{dir: dir, lastTS: make(map[string]int64)}, nil
}

// Dir returns the sessions directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the log file for a session id.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, SanitizeID(sessionID)+".jsonl")
}

// Append writes one turn as a single line. See AppendTurns.
func (s *Store) Append(sessionID string, turn Turn) error {
	return s.AppendTurns(sessionID, turn)
}

// AppendTurns writes turns as consecutive lines in one O_APPEND write, so
// appends from this process are ordered by call order and an exchange is
// never recorded in part.
func (s *Store) AppendTurns(sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	path := s.Path(sessionID)
	key := SanitizeID(sessionID)

	s.mu.Lock()
	last, seen := s.lastTS[key]
	for i := range turns {
		if turns[i].Timestamp == 0 {
			turns[i].Timestamp = time.Now().UnixMilli()
		}
		if seen && turns[i].Timestamp < last {
			turns[i].Timestamp = last
		}
		last, seen = turns[i].Timestamp, true
	}
	s.mu.Unlock()

	var buf []byte
	for _, turn := range turns {
		line, err := json.Marshal(turn)
		if err != nil {
			return &PersistenceError{Op: "append", Path: path, Err: err}
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &PersistenceError{Op: "append", Path: path, Err: err}
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return &PersistenceError{Op: "append", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &PersistenceError{Op: "append", Path: path, Err: err}
	}

	s.mu.Lock()
	if prev, ok := s.lastTS[key]; !ok || last > prev {
		s.lastTS[key] = last
	}
	s.mu.Unlock()
	return nil
}

// Entries returns every readable turn of a session in log order.
// A missing log is an empty session. Malformed lines are skipped.
func (s *Store) Entries(sessionID string) ([]Turn, error) {
	path := s.Path(sessionID)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	defer f.Close()

	var turns []Turn
	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			if line := strings.TrimSpace(string(raw)); line != "" {
				var t Turn
				if err := json.Unmarshal([]byte(line), &t); err != nil {
					slog.Warn("skipping malformed session line",
						"session", sessionID,
						"line", lineNo,
						"error", err,
					)
				} else {
					turns = append(turns, t)
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return turns, &PersistenceError{Op: "read", Path: path, Err: readErr}
			}
			break
		}
	}
	return turns, nil
}

// Load returns the conversation view of a session.
func (s *Store) Load(sessionID string) ([]Message, error) {
	turns, err := s.Entries(sessionID)
	if err != nil {
		return nil, err
	}
	return View(turns), nil
}

// View projects turns onto role/content messages.
func View(turns []Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// Clear deletes a session's log. Clearing a missing session is not an error.
func (s *Store) Clear(sessionID string) error {
	path := s.Path(sessionID)
	s.mu.Lock()
	delete(s.lastTS, SanitizeID(sessionID))
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PersistenceError{Op: "clear", Path: path, Err: err}
	}
	return nil
}

// Count returns the number of sessions with a log on disk.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &PersistenceError{Op: "list", Path: s.dir, Err: err}
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			n++
		}
	}
	return n, nil
}

// List returns stored sessions, most recently updated first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "list", Path: s.dir, Err: err}
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		info := Info{ID: id}
		if fi, err := e.Info(); err == nil {
			info.UpdatedAt = fi.ModTime()
		}
		if turns, err := s.Entries(id); err == nil {
			info.Turns = len(turns)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}
