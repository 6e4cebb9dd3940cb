//go:build windows

package statestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirLock approximates the unix advisory lock by holding an exclusively
// created marker file open for the daemon's lifetime.
type DirLock struct {
	f    *os.File
	path string
}

// AcquireDirLock creates dir/.lock exclusively.
func AcquireDirLock(dir string) (*DirLock, error) {
	path := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("statestore: state dir %s already locked: %w", dir, err)
	}
	return &DirLock{f: f, path: path}, nil
}

// Release closes and removes the marker file.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Close()
	return os.Remove(l.path)
}
