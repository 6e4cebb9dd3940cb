//go:build !windows

package health

import "syscall"

// FDLimit returns the soft RLIMIT_NOFILE inherited by spawned deployments.
func FDLimit() int64 {
	var r syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &r); err != nil {
		return 0
	}
	return int64(r.Cur)
}
