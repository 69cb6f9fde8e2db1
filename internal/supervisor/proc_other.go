//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func detach(cmd *exec.Cmd) {}

// ProcessAlive reports whether pid can be found. Pids 0 and 1 are never this
// service.
func ProcessAlive(pid int) bool {
	if pid <= 1 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

func terminate(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
