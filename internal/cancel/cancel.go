// SPDX-License-Identifier: MIT

// Package cancel provides named cooperative cancel flags keyed by
// session id. A flag is a resettable one-shot latch: set once per
// generation turn, observed by the stream bridge, cleared when the
// next turn starts.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Flag is a one-shot latch safe for cross-goroutine set and read.
// IsSet is a lock-free atomic load; Done returns a channel closed on
// the first Set of the current turn. After Clear, Done must be
// re-fetched: channels from the previous turn stay closed.
type Flag struct {
	mu   sync.Mutex
	set  atomic.Bool
	done chan struct{}
}

func newFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set trips the latch. Repeated calls within one turn are no-ops.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set.Load() {
		return
	}
	f.set.Store(true)
	close(f.done)
}

// IsSet reports whether the latch is tripped.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done returns a channel closed when the current turn is cancelled.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Clear re-arms the latch for the next turn.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set.Load() {
		return
	}
	f.set.Store(false)
	f.done = make(chan struct{})
}

// Registry maps session ids to their cancel flags. Entries are
// created lazily on first reference and never removed, so the map is
// bounded by the number of sessions seen. Lookups take the read lock;
// only insertion takes the write lock.
type Registry struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]*Flag)}
}

// GetOrCreate returns the session's flag, creating it if absent.
func (r *Registry) GetOrCreate(sessionID string) *Flag {
	r.mu.RLock()
	f, ok := r.flags[sessionID]
	r.mu.RUnlock()
	if ok {
		return f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flags[sessionID]; ok {
		return f
	}
	f = newFlag()
	r.flags[sessionID] = f
	return f
}

// Set trips the session's flag, creating it if absent.
func (r *Registry) Set(sessionID string) {
	r.GetOrCreate(sessionID).Set()
}

// IsSet reports the session's flag without creating it.
func (r *Registry) IsSet(sessionID string) bool {
	r.mu.RLock()
	f, ok := r.flags[sessionID]
	r.mu.RUnlock()
	return ok && f.IsSet()
}

// Clear re-arms the session's flag, creating it if absent so a
// subsequent Done observes only this turn's cancels.
func (r *Registry) Clear(sessionID string) {
	r.GetOrCreate(sessionID).Clear()
}

// Len reports how many sessions have flags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flags)
}
