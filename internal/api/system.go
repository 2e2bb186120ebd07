// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/llamad/llamad/internal/gpu"
	"github.com/llamad/llamad/internal/supervisor"
)

type systemResponse struct {
	Version string              `json:"version"`
	System  gpu.Snapshot        `json:"system"`
	Workers []supervisor.Public `json:"workers"`
}

// handleSystem reports the cached system snapshot next to the worker
// table, the view a UI polls to draw its resource header.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	workers := s.workers.List(r.Context())
	if workers == nil {
		workers = []supervisor.Public{}
	}
	writeJSON(w, http.StatusOK, systemResponse{
		Version: s.cfg.Version,
		System:  s.system.Snapshot(),
		Workers: workers,
	})
}
