// SPDX-License-Identifier: MIT

// Package settings is the dynamic configuration store. Three JSON
// layers under <data_dir>/settings/ fold into one effective map:
// defaults, adaptive (per session or "_global_"), overrides. Later
// layers win. Readers reload on file mtime change; an fsnotify watcher
// invalidates proactively between polls.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/fsutil"
	"github.com/llamad/llamad/internal/log"
)

// GlobalSession is the adaptive-layer key used when no session id is
// given (or the session has no entry of its own).
const GlobalSession = "_global_"

const (
	defaultsFile  = "defaults.json"
	adaptiveFile  = "adaptive.json"
	overridesFile = "overrides.json"
)

// layer is one settings file with its reload bookkeeping.
type layer struct {
	file  string
	data  map[string]any
	mtime time.Time
	size  int64
	dirty bool
}

// Store folds the three settings layers. Safe for concurrent use.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu     sync.RWMutex
	layers map[string]*layer

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New opens the store rooted at dir, seeding defaults.json from the
// built-in defaults when absent. A present-but-corrupt defaults.json
// is fatal; corrupt adaptive/overrides layers fail closed as empty.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: log.WithComponent("settings"),
		layers: map[string]*layer{
			defaultsFile:  {file: defaultsFile},
			adaptiveFile:  {file: adaptiveFile},
			overridesFile: {file: overridesFile},
		},
		done: make(chan struct{}),
	}

	if err := s.seedDefaults(); err != nil {
		return nil, err
	}
	if err := s.reload(s.layers[defaultsFile], true); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	// Optional layers fail closed.
	_ = s.reload(s.layers[adaptiveFile], false)
	_ = s.reload(s.layers[overridesFile], false)

	if err := s.startWatcher(); err != nil {
		// Watcher is an optimization over mtime polling; reads stay
		// correct without it.
		s.logger.Warn().Err(err).
			Str("event", "settings.watcher_unavailable").
			Msg("settings watcher unavailable, relying on mtime checks")
	}

	return s, nil
}

// Dir returns the settings directory.
func (s *Store) Dir() string { return s.dir }

// Close stops the watcher goroutine.
func (s *Store) Close() error {
	close(s.done)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

// seedDefaults writes built-in defaults atomically when defaults.json
// does not exist yet.
func (s *Store) seedDefaults() error {
	path := filepath.Join(s.dir, defaultsFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat defaults: %w", err)
	}

	data, err := json.MarshalIndent(BuiltinDefaults(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal builtin defaults: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	s.logger.Info().
		Str("event", "settings.defaults_seeded").
		Str("path", path).
		Msg("seeded built-in defaults")
	return nil
}

// reload reads one layer from disk. strict=true propagates read and
// parse errors; strict=false fails closed with an empty layer.
func (s *Store) reload(l *layer, strict bool) error {
	path := filepath.Join(s.dir, l.file)

	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		if strict {
			return fmt.Errorf("required layer %s missing", l.file)
		}
		l.data, l.mtime, l.size, l.dirty = nil, time.Time{}, 0, false
		return nil
	}
	if err != nil {
		if strict {
			return fmt.Errorf("stat %s: %w", l.file, err)
		}
		s.failClosed(l, err)
		return err
	}

	// #nosec G304 -- path is derived from the operator-chosen data dir
	raw, err := os.ReadFile(path)
	if err != nil {
		if strict {
			return fmt.Errorf("read %s: %w", l.file, err)
		}
		s.failClosed(l, err)
		return err
	}

	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			if strict {
				return fmt.Errorf("parse %s: %w", l.file, err)
			}
			s.failClosed(l, err)
			return err
		}
	}

	l.data, l.mtime, l.size, l.dirty = data, st.ModTime(), st.Size(), false
	return nil
}

// failClosed empties a non-strict layer after an IO or parse error.
func (s *Store) failClosed(l *layer, err error) {
	s.logger.Error().Err(err).
		Str("event", "settings_io_error").
		Str("file", l.file).
		Msg("settings layer unreadable, failing closed as empty")
	l.data, l.mtime, l.size, l.dirty = nil, time.Time{}, 0, false
}

// refreshLocked reloads any layer whose file changed since it was last
// read. Caller holds the write lock.
func (s *Store) refreshLocked() {
	for name, l := range s.layers {
		if !l.dirty && !s.stale(l) {
			continue
		}
		strict := name == defaultsFile
		if err := s.reload(l, strict); err != nil && strict {
			// Keep serving the last good defaults.
			s.logger.Error().Err(err).
				Str("event", "settings_io_error").
				Str("file", l.file).
				Msg("defaults reload failed, keeping previous snapshot")
			l.dirty = false
		}
	}
}

func (s *Store) stale(l *layer) bool {
	st, err := os.Stat(filepath.Join(s.dir, l.file))
	if err != nil {
		// Present before, gone now.
		return l.data != nil || !l.mtime.IsZero()
	}
	return !st.ModTime().Equal(l.mtime) || st.Size() != l.size
}

// startWatcher marks layers dirty when their files change so the next
// read reloads without waiting for an mtime poll.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}
	s.watcher = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				base := filepath.Base(event.Name)
				s.mu.Lock()
				if l, known := s.layers[base]; known {
					l.dirty = true
				}
				s.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).
					Str("event", "settings.watcher_error").
					Msg("settings watcher error")
			}
		}
	}()
	return nil
}
