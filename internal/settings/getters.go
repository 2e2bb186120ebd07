// SPDX-License-Identifier: MIT

package settings

// Effective folds defaults, the adaptive layer for the session (its
// own entry when present, "_global_" otherwise) and overrides. Later
// layers override earlier ones. The returned map is a private copy.
func (s *Store) Effective(sessionID string) map[string]any {
	s.mu.Lock()
	s.refreshLocked()

	defaults := s.layers[defaultsFile].data
	adaptive := s.adaptiveForLocked(sessionID)
	overrides := s.layers[overridesFile].data
	s.mu.Unlock()

	out := deepMerge(map[string]any{}, defaults)
	if adaptive != nil {
		out = deepMerge(out, adaptive)
	}
	if overrides != nil {
		out = deepMerge(out, overrides)
	}
	return out
}

func (s *Store) adaptiveForLocked(sessionID string) map[string]any {
	root := s.layers[adaptiveFile].data
	if root == nil {
		return nil
	}
	if sessionID != "" {
		if m, ok := root[sessionID].(map[string]any); ok {
			return m
		}
	}
	m, _ := root[GlobalSession].(map[string]any)
	return m
}

// Int reads an integer at a dotted path. JSON numbers arrive as
// float64 and are truncated.
func (s *Store) Int(sessionID, path string, def int) int {
	v, ok := pathGet(s.Effective(sessionID), path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// Float reads a float at a dotted path.
func (s *Store) Float(sessionID, path string, def float64) float64 {
	v, ok := pathGet(s.Effective(sessionID), path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// Bool reads a boolean at a dotted path.
func (s *Store) Bool(sessionID, path string, def bool) bool {
	v, ok := pathGet(s.Effective(sessionID), path)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// String reads a string at a dotted path.
func (s *Store) String(sessionID, path string, def string) string {
	v, ok := pathGet(s.Effective(sessionID), path)
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// Map reads a nested map at a dotted path. Returns nil when absent or
// not a map.
func (s *Store) Map(sessionID, path string) map[string]any {
	v, ok := pathGet(s.Effective(sessionID), path)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}
