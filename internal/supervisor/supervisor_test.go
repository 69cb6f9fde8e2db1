package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// deadPID is above any pid_max, so it never names a live process.
const deadPID = 2147483000

func TestReadMarker(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"json", `{"pid":4321}`, 4321},
		{"bare int", "4321\n", 4321},
		{"empty", "", 0},
		{"garbage", "not a pid", 0},
		{"negative", `{"pid":-5}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Supervisor{Dir: t.TempDir()}
			os.WriteFile(s.MarkerPath(), []byte(tt.content), 0o644)
			got, err := s.readMarker()
			if err != nil {
				t.Fatalf("readMarker: %v", err)
			}
			if got != tt.want {
				t.Errorf("pid = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteMarker(t *testing.T) {
	s := &Supervisor{Dir: filepath.Join(t.TempDir(), "nested")}
	if err := s.writeMarker(77); err != nil {
		t.Fatalf("writeMarker: %v", err)
	}
	data, _ := os.ReadFile(s.MarkerPath())
	if string(data) != `{"pid":77}` {
		t.Errorf("marker = %s", data)
	}
	if _, err := os.Stat(s.MarkerPath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary marker left behind")
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	for _, pid := range []int{0, 1, -3} {
		if ProcessAlive(pid) {
			t.Errorf("ProcessAlive(%d) = true", pid)
		}
	}
}

func TestStatus(t *testing.T) {
	s := &Supervisor{Dir: t.TempDir()}

	pid, alive, err := s.Status()
	if err != nil || pid != 0 || alive {
		t.Errorf("no marker: %d %v %v", pid, alive, err)
	}
	if s.IsRunning() {
		t.Error("IsRunning without marker")
	}

	s.writeMarker(deadPID)
	pid, alive, _ = s.Status()
	if pid != deadPID || alive {
		t.Errorf("stale marker: %d %v", pid, alive)
	}
	if _, err := os.Stat(s.MarkerPath()); err != nil {
		t.Error("Status must not remove the marker")
	}

	s.writeMarker(1)
	if s.IsRunning() {
		t.Error("pid 1 reported as the gateway")
	}
}

func TestStopNotRunning(t *testing.T) {
	s := &Supervisor{Dir: t.TempDir()}
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestStopStale(t *testing.T) {
	s := &Supervisor{Dir: t.TempDir()}
	s.writeMarker(deadPID)

	res, err := s.StopWithResult()
	if err != nil {
		t.Fatalf("StopWithResult: %v", err)
	}
	if !res.Stale || res.PID != deadPID {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(s.MarkerPath()); !os.IsNotExist(err) {
		t.Error("stale marker not removed")
	}
}

func TestStopTwice(t *testing.T) {
	live := func(t *testing.T, s *Supervisor) {
		t.Helper()
		s.writeMarker(deadPID)
	}
	if runtime.GOOS != "windows" {
		if sleep, err := exec.LookPath("sleep"); err == nil {
			live = func(t *testing.T, s *Supervisor) {
				t.Helper()
				s.Command = []string{sleep, "30"}
				pid, err := s.Start()
				if err != nil {
					t.Fatalf("Start: %v", err)
				}
				t.Cleanup(func() {
					if ProcessAlive(pid) {
						kill(pid)
					}
				})
			}
		}
	}

	tests := []struct {
		name  string
		setup func(t *testing.T, s *Supervisor)
	}{
		{"live", live},
		{"stale", func(t *testing.T, s *Supervisor) { s.writeMarker(deadPID) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Supervisor{Dir: t.TempDir()}
			tt.setup(t, s)

			if err := s.Stop(); err != nil {
				t.Fatalf("first Stop: %v", err)
			}
			if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
				t.Errorf("second Stop = %v, want ErrNotRunning", err)
			}
			if _, err := os.Stat(s.MarkerPath()); !os.IsNotExist(err) {
				t.Error("marker left behind")
			}
			if s.IsRunning() {
				t.Error("IsRunning after Stop")
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sleep(1)")
	}
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	s := &Supervisor{Dir: t.TempDir(), Command: []string{sleep, "30"}}
	pid, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if ProcessAlive(pid) {
			kill(pid)
		}
	})

	if !s.IsRunning() {
		t.Fatal("gateway not running after Start")
	}
	if _, err := s.Start(); err == nil {
		t.Fatal("second Start succeeded")
	} else {
		var are *AlreadyRunningError
		if !errors.As(err, &are) || are.PID != pid {
			t.Errorf("err = %v", err)
		}
	}

	res, err := s.StopWithResult()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Stale || res.Forced {
		t.Errorf("result = %+v", res)
	}
	if s.IsRunning() {
		t.Error("still running after Stop")
	}
	if _, err := os.Stat(s.MarkerPath()); !os.IsNotExist(err) {
		t.Error("marker not removed")
	}

	outLog, errLog := s.LogPaths()
	for _, p := range []string{outLog, errLog} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("log %s: %v", p, err)
		}
	}
}

func TestStartReplacesStaleMarker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs true(1)")
	}
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	s := &Supervisor{Dir: t.TempDir(), Command: []string{bin}}
	s.writeMarker(deadPID)

	pid, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := s.readMarker()
	if got != pid || pid == deadPID {
		t.Errorf("marker pid = %d, started %d", got, pid)
	}
}

func TestStartWithoutCommand(t *testing.T) {
	if _, err := (&Supervisor{Dir: t.TempDir()}).Start(); err == nil {
		t.Error("Start with no command succeeded")
	}
}

func TestWaitReady(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if err := WaitReady(context.Background(), addr, time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	err = WaitReady(context.Background(), addr, 600*time.Millisecond)
	var ste *StartupTimeoutError
	if !errors.As(err, &ste) {
		t.Fatalf("err = %v, want StartupTimeoutError", err)
	}
	if ste.Addr != addr || ste.Err == nil {
		t.Errorf("error = %+v", ste)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("WaitReady took %s", elapsed)
	}
}
