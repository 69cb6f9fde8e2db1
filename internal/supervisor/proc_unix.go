//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ProcessAlive probes pid with signal 0. A pid we may not signal counts as
// not alive, and pids 0 and 1 are never this service.
func ProcessAlive(pid int) bool {
	if pid <= 1 {
		return false
	}
	// EPERM and ESRCH both land here.
	return syscall.Kill(pid, 0) == nil
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
