// Package supervisor keeps at most one gateway process alive per user. It owns
// the pid marker file and starts, stops and probes the detached gateway child.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	markerName  = "gateway.pid"
	outLogName  = "gateway.out.log"
	errLogName  = "gateway.err.log"
	stopPoll    = 100 * time.Millisecond
	stopTimeout = 5 * time.Second

	readyDialTimeout = 500 * time.Millisecond
	readyPoll        = 200 * time.Millisecond
	// DefaultReadyTimeout bounds WaitReady when no timeout is given.
	DefaultReadyTimeout = 5 * time.Second
)

// ErrNotRunning is returned by Stop when there is no marker.
var ErrNotRunning = errors.New("gateway is not running")

// AlreadyRunningError is returned by Start when a live gateway owns the marker.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("gateway already running (pid %d)", e.PID)
}

// StartupTimeoutError is returned when the gateway never accepted a connection.
type StartupTimeoutError struct {
	Addr    string
	Timeout time.Duration
	Err     error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("gateway at %s not ready after %s: %v", e.Addr, e.Timeout, e.Err)
}

func (e *StartupTimeoutError) Unwrap() error {
	return e.Err
}

// StopResult describes how a running gateway was stopped.
type StopResult struct {
	PID    int
	Stale  bool // marker pointed at a dead process
	Forced bool // SIGKILL was needed
}

// Supervisor manages the gateway process for one marker directory.
type Supervisor struct {
	Dir     string
	Command []string
	Env     []string // appended to the parent's environment
}

// DefaultDir returns $FELIX_PID_DIR or ~/.local/share/felix.
func DefaultDir() string {
	if d := os.Getenv("FELIX_PID_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "felix")
	}
	return filepath.Join(home, ".local", "share", "felix")
}

// New returns a Supervisor that re-executes the running binary as
// "gateway run".
func New(dir string) *Supervisor {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &Supervisor{Dir: dir, Command: []string{exe, "gateway", "run"}}
}

// MarkerPath is the pid marker location.
func (s *Supervisor) MarkerPath() string {
	return filepath.Join(s.Dir, markerName)
}

// LogPaths returns the child's stdout and stderr log files.
func (s *Supervisor) LogPaths() (stdout, stderr string) {
	logs := filepath.Join(s.Dir, "logs")
	return filepath.Join(logs, outLogName), filepath.Join(logs, errLogName)
}

type marker struct {
	PID int `json:"pid"`
}

// readMarker returns the recorded pid, or 0 if there is no usable marker.
func (s *Supervisor) readMarker() (int, error) {
	data, err := os.ReadFile(s.MarkerPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read marker: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	var m marker
	if err := json.Unmarshal([]byte(text), &m); err == nil && m.PID > 0 {
		return m.PID, nil
	}
	// Older markers hold a bare integer.
	if pid, err := strconv.Atoi(text); err == nil && pid > 0 {
		return pid, nil
	}
	slog.Warn("ignoring unreadable pid marker", "path", s.MarkerPath())
	return 0, nil
}

func (s *Supervisor) writeMarker(pid int) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	data, _ := json.Marshal(marker{PID: pid})
	tmp := s.MarkerPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmp, s.MarkerPath()); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

func (s *Supervisor) removeMarker() {
	if err := os.Remove(s.MarkerPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove pid marker", "path", s.MarkerPath(), "error", err)
	}
}

// Status returns the recorded pid and whether it is alive. pid is 0 when
// there is no marker.
func (s *Supervisor) Status() (pid int, alive bool, err error) {
	pid, err = s.readMarker()
	if err != nil || pid == 0 {
		return pid, false, err
	}
	return pid, ProcessAlive(pid), nil
}

// IsRunning reports whether the marker names a live process. It has no side
// effects.
func (s *Supervisor) IsRunning() bool {
	_, alive, err := s.Status()
	return err == nil && alive
}

// Start spawns the gateway detached from this process and records its pid.
// It returns without waiting for the gateway to listen.
func (s *Supervisor) Start() (int, error) {
	if len(s.Command) == 0 {
		return 0, errors.New("supervisor: no command configured")
	}
	pid, alive, err := s.Status()
	if err != nil {
		return 0, err
	}
	if alive {
		return 0, &AlreadyRunningError{PID: pid}
	}
	if pid != 0 {
		slog.Info("removing stale pid marker", "pid", pid)
		s.removeMarker()
	}

	outPath, errPath := s.LogPaths()
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	stdout, err := os.OpenFile(outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(errPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open stderr log: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), s.Env...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn gateway: %w", err)
	}
	pid = cmd.Process.Pid

	// Reap in the background so a child that exits early is not left as a
	// zombie that still answers liveness probes.
	go func() {
		_ = cmd.Wait()
	}()

	if err := s.writeMarker(pid); err != nil {
		return pid, err
	}
	slog.Info("gateway started", "pid", pid, "stdout", outPath, "stderr", errPath)
	return pid, nil
}

// WaitReady polls the gateway websocket at addr (host:port) until it accepts
// a connection or timeout elapses.
func WaitReady(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: readyDialTimeout}
	url := "ws://" + addr
	var lastErr error
	for {
		dialCtx, dialCancel := context.WithTimeout(ctx, readyDialTimeout)
		conn, _, err := dialer.DialContext(dialCtx, url, nil)
		dialCancel()
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return &StartupTimeoutError{Addr: addr, Timeout: timeout, Err: lastErr}
		case <-time.After(readyPoll):
		}
	}
}

// Stop terminates the recorded gateway. See StopWithResult.
func (s *Supervisor) Stop() error {
	_, err := s.StopWithResult()
	return err
}

// StopWithResult sends SIGTERM, waits up to five seconds and escalates to
// SIGKILL. A stale marker is removed and reported as success. With no marker
// it returns ErrNotRunning.
func (s *Supervisor) StopWithResult() (StopResult, error) {
	pid, err := s.readMarker()
	if err != nil {
		return StopResult{}, err
	}
	if pid == 0 {
		return StopResult{}, ErrNotRunning
	}
	res := StopResult{PID: pid}
	if !ProcessAlive(pid) {
		s.removeMarker()
		res.Stale = true
		return res, nil
	}

	if err := terminate(pid); err != nil && ProcessAlive(pid) {
		return res, fmt.Errorf("signal gateway %d: %w", pid, err)
	}
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			s.removeMarker()
			slog.Info("gateway stopped", "pid", pid)
			return res, nil
		}
		time.Sleep(stopPoll)
	}

	slog.Warn("gateway did not exit, killing", "pid", pid)
	res.Forced = true
	if err := kill(pid); err != nil && ProcessAlive(pid) {
		return res, fmt.Errorf("kill gateway %d: %w", pid, err)
	}
	for i := 0; i < 10 && ProcessAlive(pid); i++ {
		time.Sleep(stopPoll)
	}
	s.removeMarker()
	return res, nil
}
