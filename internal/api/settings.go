// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

// handleSettingsGet returns the effective map: defaults, adaptive and
// overrides folded. ?session= selects the session's adaptive layer.
func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	writeJSON(w, http.StatusOK, s.settings.Effective(session))
}

// handleSettingsPatch deep-merges the body into the overrides layer.
// Nulls delete keys.
func (s *Server) handleSettingsPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decodeJSON(r, &patch); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.settings.PatchOverrides(patch); err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "settings_write_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Effective(""))
}

// handleSettingsPut replaces the overrides layer wholesale.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var next map[string]any
	if err := decodeJSON(r, &next); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.settings.ReplaceOverrides(next); err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "settings_write_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Effective(""))
}
