// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/supervisor"
	"github.com/llamad/llamad/internal/telemetry"
)

type spawnRequest struct {
	ModelPath string               `json:"modelPath"`
	Kwargs    guardrail.UserKwargs `json:"kwargs"`
}

type killRequest struct {
	ModelPath    string `json:"modelPath"`
	IncludeReady bool   `json:"includeReady"`
}

// handleWorkerSpawn launches a worker for the requested model. The
// guardrail planner can veto the launch; that comes back as a 409 with
// the full diagnostics so the caller sees which knob to turn.
func (s *Server) handleWorkerSpawn(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowSpawn() {
		w.Header().Set("Retry-After", "10")
		writeProblem(w, r, http.StatusTooManyRequests, "rate_limited", "spawn budget exhausted")
		return
	}

	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ModelPath == "" {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", "modelPath is required")
		return
	}

	info, err := s.workers.Spawn(r.Context(), req.ModelPath, req.Kwargs)
	if err != nil {
		var abort *supervisor.GuardrailAbortError
		if errors.As(err, &abort) {
			trace.SpanFromContext(r.Context()).SetAttributes(
				telemetry.SpawnAttributes(req.ModelPath, string(abort.VRAMProj.Decision), abort.Resolved.NCtx, abort.Resolved.NGPULayers)...)
			trace.SpanFromContext(r.Context()).SetAttributes(telemetry.ErrorAttributes("guardrail_abort")...)
			writeGuardrailProblem(w, r, abort)
			return
		}
		s.logger.Error().Err(err).
			Str("event", "api.spawn_failed").
			Str("model_path", req.ModelPath).
			Msg("worker spawn failed")
		writeProblem(w, r, http.StatusInternalServerError, "spawn_failed", err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.SpawnAttributes(req.ModelPath, string(guardrail.DecisionProceed), info.Kwargs.NCtx, info.Kwargs.NGPULayers)...)

	if pub, ok := s.workers.Describe(info.ID); ok {
		writeJSON(w, http.StatusCreated, pub)
		return
	}
	// The worker exited between spawn and describe; report what we had.
	writeJSON(w, http.StatusCreated, supervisor.Public{
		ID:        info.ID,
		ModelPath: info.ModelPath,
		Port:      info.Port,
		Status:    info.Status,
		PID:       info.PID,
		Kwargs:    info.Kwargs,
		StartedAt: info.StartedAt,
	})
}

// handleWorkerList returns all workers with freshly probed statuses.
func (s *Server) handleWorkerList(w http.ResponseWriter, r *http.Request) {
	list := s.workers.List(r.Context())
	if list == nil {
		list = []supervisor.Public{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": list})
}

func (s *Server) handleWorkerGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pub, ok := s.workers.Describe(id)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "unknown_worker", "no worker with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped := s.workers.Stop(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleWorkerStopAll(w http.ResponseWriter, r *http.Request) {
	n := s.workers.StopAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

func (s *Server) handleWorkerActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.workers.Activate(id); err != nil {
		if errors.Is(err, supervisor.ErrUnknownWorker) {
			writeProblem(w, r, http.StatusNotFound, "unknown_worker", err.Error())
			return
		}
		if errors.Is(err, supervisor.ErrWorkerNotReady) {
			writeProblem(w, r, http.StatusConflict, "worker_not_ready", err.Error())
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "activate_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": true})
}

// handleWorkerKill stops every worker serving a model path. Loading
// workers die immediately; ready ones only when includeReady is set.
// A load in flight that cannot be interrupted queues the kill.
func (s *Server) handleWorkerKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ModelPath == "" {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", "modelPath is required")
		return
	}

	killed, queued := s.workers.RequestKillByPath(r.Context(), req.ModelPath, req.IncludeReady)
	if killed == nil {
		killed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"killed": killed, "queued": queued})
}
