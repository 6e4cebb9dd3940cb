//go:build !windows

package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// DirLock is an advisory flock over the state directory. It prevents two
// daemons from mutating the same state files concurrently; readers are not
// blocked.
type DirLock struct {
	f *os.File
}

// AcquireDirLock takes a non-blocking exclusive flock on dir/.lock.
func AcquireDirLock(dir string) (*DirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("statestore: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("statestore: state dir %s already locked: %w", dir, err)
	}
	return &DirLock{f: f}, nil
}

// Release drops the lock.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
