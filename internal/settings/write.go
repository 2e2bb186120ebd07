// SPDX-License-Identifier: MIT

package settings

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/llamad/llamad/internal/fsutil"
)

// PatchOverrides merges patch into overrides.json recursively. A JSON
// null value deletes its key. The result is persisted atomically
// before the in-memory layer is swapped.
func (s *Store) PatchOverrides(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	l := s.layers[overridesFile]
	next := deepMerge(map[string]any{}, l.data)
	applyPatch(next, patch)

	return s.persistOverridesLocked(next)
}

// ReplaceOverrides swaps the whole overrides layer atomically.
func (s *Store) ReplaceOverrides(next map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next == nil {
		next = map[string]any{}
	}
	return s.persistOverridesLocked(deepMerge(map[string]any{}, next))
}

func (s *Store) persistOverridesLocked(next map[string]any) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}

	path := filepath.Join(s.dir, overridesFile)
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write overrides: %w", err)
	}

	// Re-reading picks up the new mtime so stale() stays quiet.
	if err := s.reload(s.layers[overridesFile], false); err != nil {
		return fmt.Errorf("reload overrides: %w", err)
	}
	return nil
}
