// SPDX-License-Identifier: MIT

package cache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Options selects and parameterizes a backend.
type Options struct {
	// Backend is "memory", "redis" or "badger".
	Backend string
	// TTL is the default entry lifetime; the memory janitor sweeps
	// at TTL/2.
	TTL time.Duration

	Redis RedisConfig
	// BadgerDir is the on-disk location for the badger backend.
	BadgerDir string
}

// New builds the configured backend. Backend errors are returned, not
// swallowed; the caller decides whether to fall back to memory.
func New(opts Options, logger zerolog.Logger) (Cache, error) {
	switch opts.Backend {
	case "", "memory":
		interval := opts.TTL / 2
		if interval <= 0 {
			interval = time.Minute
		}
		return NewMemoryCache(interval), nil
	case "redis":
		return NewRedisCache(opts.Redis, logger)
	case "badger":
		return NewBadgerCache(opts.BadgerDir, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
