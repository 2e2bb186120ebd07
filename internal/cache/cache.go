// SPDX-License-Identifier: MIT

// Package cache provides the model-metadata cache with TTL support.
// Three backends exist: in-memory (janitor-swept), Redis, and Badger.
// Values round-trip through JSON on the persistent backends, so
// callers must tolerate map-typed results there.
package cache

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is thread-safe caching with expiration.
type Cache interface {
	// Get retrieves a value. Returns (nil, false) when absent or
	// expired.
	Get(key string) (any, bool)
	// Set stores a value with the given TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes one key.
	Delete(key string)
	// Clear removes everything.
	Clear()
	// Stats returns the running counters.
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

// Close shuts a backend down when it holds resources (Redis
// connections, Badger files, janitor goroutines). Backends without a
// Closer are a no-op.
func Close(c Cache) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type entry struct {
	value      any
	expiration time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiration)
}

// memoryCache is the in-process backend.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewMemoryCache creates an in-memory cache. cleanupInterval > 0
// starts a janitor goroutine sweeping expired entries; Close stops it.
func NewMemoryCache(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}
	if cleanupInterval > 0 {
		c.janitorStop = make(chan struct{})
		c.janitorDone = make(chan struct{})
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found || e.expired() {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = &entry{value: value, expiration: time.Now().Add(ttl)}
	c.mu.Unlock()
	c.sets.Add(1)
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		CurrentSize: size,
	}
}

// Close stops the janitor.
func (c *memoryCache) Close() error {
	if c.janitorStop != nil {
		close(c.janitorStop)
		<-c.janitorDone
		c.janitorStop = nil
	}
	return nil
}

func (c *memoryCache) janitor(interval time.Duration) {
	defer close(c.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.janitorStop:
			return
		}
	}
}

func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	count := 0
	for key, e := range c.entries {
		if e.expired() {
			delete(c.entries, key)
			count++
		}
	}
	c.mu.Unlock()

	c.evictions.Add(int64(count))
	return count
}

// noOpCache disables caching.
type noOpCache struct{}

// NewNoOpCache creates a cache that stores nothing.
func NewNoOpCache() Cache {
	return &noOpCache{}
}

func (noOpCache) Get(string) (any, bool) {
	return nil, false
}

func (noOpCache) Set(string, any, time.Duration) {}

func (noOpCache) Delete(string) {}

func (noOpCache) Clear() {}

func (noOpCache) Stats() Stats {
	return Stats{}
}
