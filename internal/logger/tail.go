package logger

import (
	"bytes"
	"sync"
)

// TailBuffer is an io.Writer keeping the last maxLines lines written through
// it. It is used to tee captured process output so trend detectors can scan
// recent lines without re-reading the rotated files. Safe for concurrent use.
type TailBuffer struct {
	mu       sync.Mutex
	lines    []string
	partial  bytes.Buffer
	maxLines int
}

// NewTailBuffer returns a TailBuffer holding up to maxLines lines.
func NewTailBuffer(maxLines int) *TailBuffer {
	if maxLines <= 0 {
		maxLines = 200
	}
	return &TailBuffer{maxLines: maxLines}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			t.partial.Write(p)
			break
		}
		t.partial.Write(p[:i])
		t.appendLine(t.partial.String())
		t.partial.Reset()
		p = p[i+1:]
	}
	return n, nil
}

func (t *TailBuffer) appendLine(line string) {
	if len(t.lines) >= t.maxLines {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
	}
	t.lines = append(t.lines, line)
}

// Lines returns a copy of the buffered lines, oldest first.
func (t *TailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Reset drops all buffered lines.
func (t *TailBuffer) Reset() {
	t.mu.Lock()
	t.lines = t.lines[:0]
	t.partial.Reset()
	t.mu.Unlock()
}
