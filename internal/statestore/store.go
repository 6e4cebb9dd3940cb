// Package statestore persists one JSON record per deployment id under a
// state directory. Writes go to a temp file in the same directory and are
// renamed over the target, so a reader (or a crash) never observes a partial
// record. Writes for one id are serialized by a per-id lock; an advisory
// file lock additionally guards against a second daemon on the same
// directory.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 50 * time.Millisecond
)

// Store is a durable map of deployment id -> Record backed by the state
// directory, with an in-memory mirror used when the disk is unavailable.
type Store struct {
	dir        string
	lock       *DirLock
	retries    int
	retryDelay time.Duration

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	memory   map[string]deployment.Record
	degraded bool

	// invoked once when persistence degrades to memory-only
	onDegraded func(id string, err error)
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the bounded write retry policy.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.retries = attempts
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// WithDegradedCallback registers a hook fired when the store enters
// memory-only operation.
func WithDegradedCallback(fn func(id string, err error)) Option {
	return func(s *Store) { s.onDegraded = fn }
}

// Open creates the state directory if needed, takes the exclusive directory
// lock, and returns a Store over it. A second Open on the same directory
// fails until the first Store is closed.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("statestore: dir required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	lock, err := AcquireDirLock(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:        dir,
		lock:       lock,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
		locks:      make(map[string]*sync.Mutex),
		memory:     make(map[string]deployment.Record),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the directory lock. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.lock.Release()
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Persist writes rec durably. The in-memory mirror is always updated first,
// so Load keeps answering even when the disk write fails. A failing write is
// retried with a bounded delay; if it keeps failing the store flips to
// degraded mode and a StatePersistenceError is returned.
func (s *Store) Persist(ctx context.Context, rec deployment.Record) error {
	rec.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.memory[rec.ID] = rec
	s.mu.Unlock()

	l := s.lockFor(rec.ID)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", rec.ID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = s.writeAtomic(rec.ID, data); lastErr == nil {
			s.clearDegraded()
			return nil
		}
		if attempt < s.retries {
			select {
			case <-time.After(s.retryDelay << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.markDegraded(rec.ID, lastErr)
	return &deployment.StatePersistenceError{ID: rec.ID, Attempts: s.retries, Err: lastErr}
}

// writeAtomic writes data to a temp file in the state dir, fsyncs it, and
// renames it over the target path.
func (s *Store) writeAtomic(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+id+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path(id))
}

// Load returns the last durable snapshot for id, falling back to the
// in-memory mirror when the file is unreadable (degraded mode).
func (s *Store) Load(id string) (deployment.Record, error) {
	l := s.lockFor(id)
	l.Lock()
	data, err := os.ReadFile(s.path(id))
	l.Unlock()
	if err == nil {
		var rec deployment.Record
		if uerr := json.Unmarshal(data, &rec); uerr == nil {
			return rec, nil
		} else {
			err = uerr
		}
	}
	s.mu.Lock()
	rec, ok := s.memory[id]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	if os.IsNotExist(err) {
		return deployment.Record{}, deployment.ErrNotFound
	}
	return deployment.Record{}, fmt.Errorf("statestore: load %s: %w", id, err)
}

// LoadAll returns every persisted record plus any memory-only records.
func (s *Store) LoadAll() ([]deployment.Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("statestore: read dir: %w", err)
	}
	seen := make(map[string]bool)
	out := make([]deployment.Record, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		rec, err := s.Load(id)
		if err != nil {
			slog.Warn("skipping unreadable state record", "id", id, "error", err)
			continue
		}
		seen[id] = true
		out = append(out, rec)
	}
	s.mu.Lock()
	for id, rec := range s.memory {
		if !seen[id] {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	return out, nil
}

// Delete removes the record for id from disk and memory. Missing records
// are a no-op.
func (s *Store) Delete(id string) error {
	l := s.lockFor(id)
	l.Lock()
	err := os.Remove(s.path(id))
	l.Unlock()
	s.mu.Lock()
	delete(s.memory, id)
	s.mu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: delete %s: %w", id, err)
	}
	return nil
}

// Degraded reports whether the store is operating memory-only.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) markDegraded(id string, err error) {
	s.mu.Lock()
	was := s.degraded
	s.degraded = true
	cb := s.onDegraded
	s.mu.Unlock()
	if !was {
		slog.Warn("state persistence failing; continuing in-memory", "id", id, "error", err)
		if cb != nil {
			cb(id, err)
		}
	}
}

func (s *Store) clearDegraded() {
	s.mu.Lock()
	if s.degraded {
		s.degraded = false
		slog.Info("state persistence recovered")
	}
	s.mu.Unlock()
}
