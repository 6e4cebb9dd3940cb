package health

import "sync"

// DefaultHistorySize bounds the per-deployment result history.
const DefaultHistorySize = 100

// Ring is a bounded circular buffer of health results. Appends are O(1);
// readers get a copy in chronological order.
type Ring struct {
	mu    sync.RWMutex
	buf   []Result
	start int
	count int
}

// NewRing returns a ring holding up to size results.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Ring{buf: make([]Result, size)}
}

// Append adds r, evicting the oldest entry when full.
func (r *Ring) Append(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = res
		r.count++
		return
	}
	r.buf[r.start] = res
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns the buffered results, oldest first.
func (r *Ring) Snapshot() []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Result, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of buffered results.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
