// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/llamad/llamad/internal/runlog"
)

// handleRuns lists recent generation records, newest first. ?limit=
// caps the page; the store applies its own bounds.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []runlog.Run{}})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "runlog_read_failed", err.Error())
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
