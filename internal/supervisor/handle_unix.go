//go:build !windows

package supervisor

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// sysProcAttr places the child in its own process group so the whole tree
// can be signaled as a unit.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

type unixHandle struct {
	pid  int
	pgid int
}

func newHandle(cmd *exec.Cmd) Handle {
	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid // Setpgid makes the leader its own group
	}
	return &unixHandle{pid: pid, pgid: pgid}
}

func (h *unixHandle) PID() int  { return h.pid }
func (h *unixHandle) PGID() int { return h.pgid }

func (h *unixHandle) Alive() bool {
	if isZombie(h.pid) {
		return false
	}
	return syscall.Kill(-h.pgid, 0) == nil
}

func (h *unixHandle) Terminate() error {
	err := syscall.Kill(-h.pgid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func (h *unixHandle) Kill() error {
	err := syscall.Kill(-h.pgid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// isZombie reads /proc/<pid>/status; a quickly-exiting child may linger as a
// zombie until reaped and must not count as alive.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
