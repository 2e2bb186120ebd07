// SPDX-License-Identifier: MIT

package stream

import "sync"

// Activity counts in-flight streams per session. The retitle queue
// consults it to defer background work while a session is talking.
type Activity struct {
	mu sync.Mutex
	n  map[string]int
}

func NewActivity() *Activity {
	return &Activity{n: make(map[string]int)}
}

func (a *Activity) begin(sessionID string) {
	a.mu.Lock()
	a.n[sessionID]++
	a.mu.Unlock()
}

func (a *Activity) end(sessionID string) {
	a.mu.Lock()
	if a.n[sessionID] > 1 {
		a.n[sessionID]--
	} else {
		delete(a.n, sessionID)
	}
	a.mu.Unlock()
}

// IsActive reports whether the session has a stream in flight.
func (a *Activity) IsActive(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n[sessionID] > 0
}
