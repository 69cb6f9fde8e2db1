package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func initTest(t *testing.T) *Workspace {
	t.Helper()
	ws, err := Init(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ws
}

func TestInit(t *testing.T) {
	ws := initTest(t)
	for _, dir := range []string{ws.SessionsDir, ws.MemoryDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
	if got := ws.ReadMemory(); got != InitialMemory {
		t.Errorf("MEMORY.md = %q, want %q", got, InitialMemory)
	}

	// A second Init keeps existing memory.
	if err := ws.WriteMemory("custom\n"); err != nil {
		t.Fatal(err)
	}
	again, err := Init(ws.Root)
	if err != nil {
		t.Fatalf("Init again: %v", err)
	}
	if got := again.ReadMemory(); got != "custom\n" {
		t.Errorf("MEMORY.md overwritten: %q", got)
	}
}

func TestAppendMemory(t *testing.T) {
	ws := initTest(t)
	if err := ws.WriteMemory("no newline"); err != nil {
		t.Fatal(err)
	}
	if err := ws.AppendMemory("fact"); err != nil {
		t.Fatal(err)
	}
	if got := ws.ReadMemory(); got != "no newline\n\nfact" {
		t.Errorf("after append = %q", got)
	}
}

func TestDailyLog(t *testing.T) {
	ws := initTest(t)
	now := time.Date(2026, 3, 4, 23, 30, 0, 0, time.FixedZone("X", -5*3600))

	path := ws.DailyLogPath(now)
	if filepath.Base(path) != "2026-03-05.md" {
		t.Errorf("DailyLogPath = %s, want UTC date 2026-03-05.md", path)
	}

	if err := ws.AppendDailyLog("User: hi\nAssistant: hello", now); err != nil {
		t.Fatalf("AppendDailyLog: %v", err)
	}
	want := "## 2026-03-05T04:30:00.000Z\n\nUser: hi\nAssistant: hello\n"
	if got := ws.ReadDailyLog(now); got != want {
		t.Errorf("daily log = %q, want %q", got, want)
	}

	// A file without a trailing newline gets a separator.
	if err := os.WriteFile(path, []byte("dangling"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ws.AppendDailyLog("x", now); err != nil {
		t.Fatal(err)
	}
	if got := ws.ReadDailyLog(now); !strings.HasPrefix(got, "dangling\n## ") {
		t.Errorf("daily log = %q, want newline separator", got)
	}
}

func TestMemoryFiles(t *testing.T) {
	ws := initTest(t)
	for _, name := range []string{"2026-01-02.md", "2026-01-01.md", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(ws.MemoryDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ws.MemoryFiles()
	if err != nil {
		t.Fatalf("MemoryFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "2026-01-01.md" || files[1] != "2026-01-02.md" {
		t.Errorf("MemoryFiles = %v", files)
	}
}

func TestSystemPrompt(t *testing.T) {
	ws := initTest(t)
	if got := ws.SystemPrompt("base"); got != "base" {
		t.Errorf("without AGENTS.md = %q", got)
	}

	if err := os.WriteFile(ws.AgentsFile, []byte("Be brief."), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ws.SystemPrompt("base"); got != "Be brief.\n\n---\n\nbase" {
		t.Errorf("with AGENTS.md = %q", got)
	}

	big := strings.Repeat("a", MaxAgentsChars+10)
	if err := os.WriteFile(ws.AgentsFile, []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	got := ws.AgentsInstructions()
	if !strings.HasSuffix(got, "\n\n[Content truncated]") {
		t.Error("oversized AGENTS.md not marked truncated")
	}
	if n := len(strings.TrimSuffix(got, "\n\n[Content truncated]")); n != MaxAgentsChars {
		t.Errorf("kept %d chars, want %d", n, MaxAgentsChars)
	}
}
