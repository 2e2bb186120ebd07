// SPDX-License-Identifier: MIT

package supervisor

import "sync"

// LineRing keeps the last N stderr lines of a worker subprocess, the
// only diagnostics left once the process is gone.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
}

// NewLineRing creates a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Append records one line, evicting the oldest when full.
func (r *LineRing) Append(line string) {
	if line == "" {
		return
	}
	r.mu.Lock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	r.mu.Unlock()
}

// LastN returns up to n of the newest lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.lines)
	if n > size {
		n = size
	}
	// head is the next write slot, so head..head-1 wrapping around is
	// oldest to newest.
	ordered := make([]string, 0, size)
	for i := 0; i < size; i++ {
		if line := r.lines[(r.head+i)%size]; line != "" {
			ordered = append(ordered, line)
		}
	}
	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
