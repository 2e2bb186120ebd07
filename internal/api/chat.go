// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/metrics"
	"github.com/llamad/llamad/internal/stream"
	"github.com/llamad/llamad/internal/telemetry"
)

// handleChatStream hands the request to the bridge, which owns the
// response from the first streamed byte on. Errors returned here are
// guaranteed pre-stream, so a problem body is still possible.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req stream.Request
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.StreamAttributes(req.SessionID, "", "")...)

	err := s.bridge.Run(w, r, req)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, stream.ErrNoMessages):
		writeProblem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, stream.ErrNoActiveWorker):
		trace.SpanFromContext(r.Context()).SetAttributes(telemetry.ErrorAttributes("no_active_worker")...)
		writeProblem(w, r, http.StatusConflict, "no_active_worker", "spawn and activate a worker first")
	default:
		s.logger.Error().Err(err).
			Str("event", "api.stream_rejected").
			Str("session_id", req.SessionID).
			Msg("stream rejected before start")
		writeProblem(w, r, http.StatusInternalServerError, "stream_failed", err.Error())
	}
}

// handleCancel sets the session's cancel flag. Unconditionally 200:
// the flag is an intent, not a receipt, and a flag for an idle session
// simply gets cleared by the next stream.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionId")
	s.flags.Set(sid)
	metrics.IncCancelRequests()

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "api.cancel_requested").
		Str("session_id", sid).
		Msg("cancel flag set")

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
