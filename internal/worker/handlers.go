// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llamad/llamad/internal/engine"
	"github.com/llamad/llamad/internal/model"
	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
)

// GenerateRequest is the /generate/stream body.
type GenerateRequest struct {
	SessionID   string           `json:"sessionId"`
	Messages    []prompt.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// healthResponse mirrors what the supervisor's poller consumes.
type healthResponse struct {
	OK        bool           `json:"ok"`
	Model     string         `json:"model"`
	Path      string         `json:"path"`
	Accel     string         `json:"accel"`
	Kwargs    any            `json:"kwargs"`
	NCtx      int            `json:"n_ctx"`
	KVOffload bool           `json:"kv_offload"`
	Progress  healthProgress `json:"progress"`
}

type healthProgress struct {
	Pct  float64 `json:"pct"`
	Hits int64   `json:"hits"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pct, hits := s.progress()
	writeJSON(w, http.StatusOK, healthResponse{
		OK:        s.loaded.Load(),
		Model:     model.Identifier(s.cfg.ModelPath),
		Path:      s.cfg.ModelPath,
		Accel:     string(s.cfg.Kwargs.Accel),
		Kwargs:    s.cfg.Kwargs,
		NCtx:      s.cfg.Kwargs.NCtx,
		KVOffload: s.cfg.Kwargs.KVOffload,
		Progress:  healthProgress{Pct: pct, Hits: hits},
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.flags.Set(sessionID)
	s.logger.Debug().
		Str("event", "worker.cancel_requested").
		Str("session_id", sessionID).
		Msg("cancel flag set")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info().Str("event", "worker.shutdown_requested").Msg("shutdown via API")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	// The response races process teardown and may be truncated;
	// callers treat any response (or none) as success.
	s.triggerShutdown()
}

func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if !s.loaded.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "model is still loading")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "default"
	}

	// Fresh turn: drop any cancel left over from the previous one,
	// then translate flag trips into context cancellation.
	flag := s.flags.GetOrCreate(sessionID)
	flag.Clear()
	genCtx, cancelGen := context.WithCancel(r.Context())
	defer cancelGen()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-flag.Done():
			cancelGen()
		case <-watchDone:
		}
	}()

	rc := http.NewResponseController(w)
	started := false
	start := time.Now()
	var firstToken time.Time

	emit := func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			started = true
			firstToken = time.Now()
		}
		if _, err := w.Write([]byte(delta)); err != nil {
			return err
		}
		return rc.Flush()
	}

	res, err := s.eng.Generate(genCtx, engine.Request{
		SessionID:   sessionID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}, emit)

	if err != nil && !started {
		// Nothing streamed yet; plain JSON errors are still possible.
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrContextOverflow) {
			status = http.StatusBadRequest
		}
		writeJSONError(w, status, err.Error())
		return
	}
	if err != nil {
		// Mid-stream failure: the client is gone or the engine broke.
		// Finish with an error trailer if the pipe still works.
		s.logger.Warn().
			Str("event", "worker.stream_error").
			Str("session_id", sessionID).
			Err(err).
			Msg("generation ended abnormally")
		msg := err.Error()
		res.StopReason = runjson.StopReasonError
		s.writeTrailer(w, rc, req, res, start, firstToken, &msg)
		return
	}

	s.logger.Debug().
		Str("event", "worker.stream_done").
		Str("session_id", sessionID).
		Str("stop_reason", res.StopReason).
		Int("predicted_tokens", res.PredictedTokens).
		Msg("generation finished")

	s.writeTrailer(w, rc, req, res, start, firstToken, nil)
	if res.StopReason == runjson.StopReasonCancel {
		_, _ = w.Write(runjson.Banner())
		_ = rc.Flush()
	}
}

// writeTrailer composes and appends the RUNJSON block from
// engine-local stats.
func (s *Server) writeTrailer(w http.ResponseWriter, rc *http.ResponseController, req GenerateRequest, res engine.Result, start, firstToken time.Time, errMsg *string) {
	end := time.Now()
	if firstToken.IsZero() {
		firstToken = end
	}

	totalSec := end.Sub(start).Seconds()
	genSec := end.Sub(firstToken).Seconds()
	var tps *float64
	if res.PredictedTokens > 0 && genSec > 0 {
		v := float64(res.PredictedTokens) / genSec
		tps = &v
	}
	total := res.PromptTokens + res.PredictedTokens

	trailer := runjson.Trailer{
		IndexedModelIdentifier: s.cfg.ModelPath,
		Identifier:             model.Identifier(s.cfg.ModelPath),
		LoadModelConfig: runjson.Config{Fields: []runjson.Field{
			{Key: "n_ctx", Value: s.cfg.Kwargs.NCtx},
			{Key: "n_batch", Value: s.cfg.Kwargs.NBatch},
			{Key: "n_gpu_layers", Value: s.cfg.Kwargs.NGPULayers},
			{Key: "kv_offload", Value: s.cfg.Kwargs.KVOffload},
			{Key: "accel", Value: string(s.cfg.Kwargs.Accel)},
		}},
		PredictionConfig: runjson.Config{Fields: []runjson.Field{
			{Key: "max_tokens", Value: req.MaxTokens},
			{Key: "temperature", Value: req.Temperature},
			{Key: "top_p", Value: req.TopP},
		}},
		Stats: runjson.Stats{
			StopReason:           res.StopReason,
			TokensPerSecond:      tps,
			TimeToFirstTokenSec:  firstToken.Sub(start).Seconds(),
			TotalTimeSec:         totalSec,
			PromptTokensCount:    &res.PromptTokens,
			PredictedTokensCount: res.PredictedTokens,
			TotalTokensCount:     &total,
			Budget: map[string]any{
				"n_ctx":      s.cfg.Kwargs.NCtx,
				"max_tokens": req.MaxTokens,
			},
			Timings: runjson.Timings{Engine: res.Timings},
			Error:   errMsg,
		},
	}

	block, err := runjson.Encode(trailer)
	if err != nil {
		s.logger.Error().Str("event", "worker.trailer_encode_failed").Err(err).Msg("dropping trailer")
		return
	}
	if _, err := w.Write(block); err != nil {
		return
	}
	_ = rc.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
