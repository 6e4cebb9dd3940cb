//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

type windowsHandle struct {
	pid  int
	proc *os.Process
}

func newHandle(cmd *exec.Cmd) Handle {
	return &windowsHandle{pid: cmd.Process.Pid, proc: cmd.Process}
}

func (h *windowsHandle) PID() int  { return h.pid }
func (h *windowsHandle) PGID() int { return h.pid }

func (h *windowsHandle) Alive() bool {
	p, err := os.FindProcess(h.pid)
	if err != nil {
		return false
	}
	// Signal(0) is not supported on windows; FindProcess succeeding plus a
	// non-released handle is the best cheap check available.
	return p != nil
}

// Terminate has no graceful group signal on windows; fall back to Kill.
func (h *windowsHandle) Terminate() error { return h.Kill() }

func (h *windowsHandle) Kill() error {
	if h.proc == nil {
		return nil
	}
	return h.proc.Kill()
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
