// SPDX-License-Identifier: MIT

// Package stream bridges daemon chat requests onto the active worker:
// it packs the conversation, clamps the output budget, serializes
// generations behind a weighted semaphore and pumps worker bytes to
// the client through a bounded channel. The worker's telemetry trailer
// is consumed and re-composed with bridge-level measurements before it
// reaches the client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/llamad/llamad/internal/cancel"
	"github.com/llamad/llamad/internal/chat"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/metrics"
	"github.com/llamad/llamad/internal/model"
	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
	"github.com/llamad/llamad/internal/runlog"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/supervisor"
)

const (
	// defaultUID owns sessions when the caller does not identify one;
	// the daemon is a single-user system unless fronted by a gateway.
	defaultUID     = "local"
	defaultSession = "default"

	producerJoinGrace = 2 * time.Second
)

// ErrNoActiveWorker means generation has no target; the API maps it to
// a 409 before any stream byte is written.
var ErrNoActiveWorker = errors.New("no active worker")

// ErrNoMessages rejects an empty generation request.
var ErrNoMessages = errors.New("messages must not be empty")

// WorkerSource yields the worker generation targets.
type WorkerSource interface {
	ActiveWorker() (*supervisor.WorkerInfo, bool)
}

// Retitler receives post-stream retitle jobs.
type Retitler interface {
	Enqueue(uid, sessionID string, msgs []prompt.Message, jobSeq int64)
}

// RunRecorder persists finished stream measurements.
type RunRecorder interface {
	Record(ctx context.Context, run runlog.Run) error
}

// Request is the daemon-side /v1/chat/stream body.
type Request struct {
	UID         string           `json:"uid,omitempty"`
	SessionID   string           `json:"sessionId"`
	Messages    []prompt.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// Bridge runs generations against the active worker.
type Bridge struct {
	chats    *chat.Store
	settings *settings.Store
	workers  WorkerSource
	flags    *cancel.Registry
	retitler Retitler
	recorder RunRecorder
	sem      *semaphore.Weighted
	activity *Activity
	client   *http.Client
	logger   zerolog.Logger
}

// New wires the bridge. sem is the generation semaphore shared with
// the retitle queue; retitler and recorder may be nil.
func New(chats *chat.Store, st *settings.Store, workers WorkerSource, flags *cancel.Registry, retitler Retitler, recorder RunRecorder, sem *semaphore.Weighted) *Bridge {
	return &Bridge{
		chats:    chats,
		settings: st,
		workers:  workers,
		flags:    flags,
		retitler: retitler,
		recorder: recorder,
		sem:      sem,
		activity: NewActivity(),
		// Streams run for minutes; cancellation is per-request.
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger: log.WithComponent("stream"),
	}
}

// Activity exposes the in-flight session tracker, wired into the
// retitle queue's deferral check.
func (b *Bridge) Activity() *Activity { return b.activity }

// streamJob carries everything the producer/consumer pair needs.
type streamJob struct {
	uid, sid  string
	active    supervisor.WorkerInfo
	packed    []prompt.Message
	estTokens int
	outBudget int
	budget    map[string]any
	req       Request
	flag      *cancel.Flag
	banner    bool
	buffer    int
}

// Run executes one generation end to end. A non-nil return means no
// response byte has been written yet and the caller still owns the
// error rendering; once streaming starts Run handles everything and
// returns nil.
func (b *Bridge) Run(w http.ResponseWriter, r *http.Request, req Request) error {
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}
	uid := req.UID
	if uid == "" {
		uid = defaultUID
	}
	sid := req.SessionID
	if sid == "" {
		sid = defaultSession
	}

	sess, err := b.chats.Append(uid, sid, req.Messages...)
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}

	active, ok := b.workers.ActiveWorker()
	if !ok {
		return ErrNoActiveWorker
	}
	nCtx := active.Kwargs.NCtx

	minOut := b.settings.Int(sid, "stream.min_out_tokens", 64)
	margin := b.settings.Int(sid, "stream.margin_tokens", 16)
	reserved := b.settings.Int(sid, "stream.reserved_system_tokens", 64)
	buffer := b.settings.Int(sid, "stream.buffer_chunks", 128)
	if buffer < 1 {
		buffer = 1
	}
	banner := b.settings.Bool(sid, "stream.stop_banner", true)

	// Pack against the caller's requested output when given, else the
	// floor; the real out budget is clamped after packing.
	provisionalOut := req.MaxTokens
	if provisionalOut <= 0 {
		provisionalOut = minOut
	}
	packed := prompt.Pack(sess.Messages, prompt.PackOptions{
		SystemPreamble:      b.settings.String(sid, "packing.system_preamble", ""),
		Summary:             sess.Summary,
		InputBudget:         nCtx - provisionalOut - reserved,
		SkipThresholdTokens: b.settings.Int(sid, "packing.skip_threshold_tokens", 96),
		SummaryMaxChars:     b.settings.Int(sid, "packing.summary_max_chars", 2000),
		RollupMin:           b.settings.Int(sid, "packing.rollup_min", 3),
		RollupMax:           b.settings.Int(sid, "packing.rollup_max", 12),
	})

	// Roll-up compresses history for good: persist it. The safety trim
	// is per-request and leaves storage alone.
	if packed.RolledUp > 0 {
		if _, err := b.chats.Replace(uid, sid, sess.Messages[packed.RolledUp:], packed.Summary); err != nil {
			return fmt.Errorf("persist rollup: %w", err)
		}
		b.logger.Debug().
			Str("event", "stream.rollup").
			Str("session_id", sid).
			Int("rolled_up", packed.RolledUp).
			Msg("history rolled into summary")
	}

	outBudget := prompt.ClampOutBudget(nCtx, packed.EstTokens, minOut, margin, reserved)
	if req.MaxTokens > 0 && req.MaxTokens < outBudget {
		outBudget = req.MaxTokens
	}
	budget := map[string]any{
		"n_ctx":                nCtx,
		"est_prompt_tokens":    packed.EstTokens,
		"out_budget":           outBudget,
		"min_out":              minOut,
		"margin":               margin,
		"reserved_system":      reserved,
		"requested_max_tokens": req.MaxTokens,
		"rolled_up":            packed.RolledUp,
		"dropped":              packed.Dropped,
	}

	// Fresh turn: any cancel left over from the previous one is stale.
	flag := b.flags.GetOrCreate(sid)
	flag.Clear()

	if err := b.sem.Acquire(r.Context(), 1); err != nil {
		return fmt.Errorf("acquire generation permit: %w", err)
	}
	defer b.sem.Release(1)

	b.activity.begin(sid)
	defer b.activity.end(sid)

	b.stream(w, r, streamJob{
		uid:       uid,
		sid:       sid,
		active:    *active,
		packed:    packed.Packed,
		estTokens: packed.EstTokens,
		outBudget: outBudget,
		budget:    budget,
		req:       req,
		flag:      flag,
		banner:    banner,
		buffer:    buffer,
	})
	return nil
}

// stream owns the response from the first byte on. Producer reads the
// worker, the request goroutine consumes and writes; a third goroutine
// translates client disconnect into the cancel flag.
func (b *Bridge) stream(w http.ResponseWriter, r *http.Request, job streamJob) {
	start := time.Now()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-r.Context().Done():
			job.flag.Set()
		case <-watchDone:
		}
	}()

	// The producer must outlive a client disconnect so it can finish
	// the worker round-trip cleanly; it hangs off a detached context.
	prodCtx, cancelProd := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancelProd()

	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }
	defer halt()

	ch := make(chan streamItem, job.buffer)
	p := newProducer(b, job, start)
	prodDone := make(chan struct{})
	go func() {
		defer close(prodDone)
		p.run(prodCtx, ch, stop)
	}()

	bytesOut := 0
	trailerWritten := false
	broken := false
	for item := range ch {
		metrics.SetStreamQueueDepth(len(ch))
		if broken {
			continue
		}
		switch item.kind {
		case itemText:
			// After an observed cancel no further token bytes reach
			// the client; the trailer still does.
			if job.flag.IsSet() && !item.synthetic {
				continue
			}
			if _, err := w.Write(item.data); err != nil {
				job.flag.Set()
				halt()
				broken = true
				continue
			}
			bytesOut += len(item.data)
			metrics.AddStreamBytes(len(item.data))
			_ = rc.Flush()
		case itemTrailer:
			if _, err := w.Write(item.data); err != nil {
				broken = true
				continue
			}
			trailerWritten = true
			_ = rc.Flush()
		}
	}
	metrics.SetStreamQueueDepth(0)

	select {
	case <-prodDone:
	case <-time.After(producerJoinGrace):
		cancelProd()
		<-prodDone
	}

	if job.flag.IsSet() && job.banner && trailerWritten && !broken {
		if _, err := w.Write(runjson.Banner()); err == nil {
			_ = rc.Flush()
		}
	}

	stopReason := p.finalStopReason()
	metrics.ObserveStream(stopReason, time.Since(start).Seconds())
	b.recordRun(r, job, p, stopReason, start)

	b.finishSession(job, p.visibleText())

	b.logger.Info().
		Str("event", "stream.finished").
		Str("session_id", job.sid).
		Str("worker_id", job.active.ID).
		Str("stop_reason", stopReason).
		Int("bytes", bytesOut).
		Dur("elapsed", time.Since(start)).
		Msg("generation stream finished")
}

// recordRun files the stream into the run history. Best effort; the
// client context may already be gone.
func (b *Bridge) recordRun(r *http.Request, job streamJob, p *producer, stopReason string, start time.Time) {
	if b.recorder == nil {
		return
	}
	run := runlog.Run{
		SessionID:  job.sid,
		Model:      model.Identifier(job.active.ModelPath),
		StopReason: stopReason,
		TotalSec:   time.Since(start).Seconds(),
	}
	if tr := p.composedTrailer(); tr != nil {
		if tr.Stats.PromptTokensCount != nil {
			run.PromptTokens = *tr.Stats.PromptTokensCount
		}
		run.PredictedTokens = tr.Stats.PredictedTokensCount
		run.TTFTSec = tr.Stats.TimeToFirstTokenSec
		run.TotalSec = tr.Stats.TotalTimeSec
		if tr.Stats.TokensPerSecond != nil {
			run.TokensPerSec = *tr.Stats.TokensPerSecond
		}
		if tr.Stats.Error != nil {
			run.Error = *tr.Stats.Error
		}
	}
	if err := b.recorder.Record(context.WithoutCancel(r.Context()), run); err != nil {
		b.logger.Warn().Err(err).
			Str("event", "stream.runlog_failed").
			Str("session_id", job.sid).
			Msg("run not recorded")
	}
}

// finishSession persists the assistant turn, applies deferred session
// ops and hands the session to the retitler.
func (b *Bridge) finishSession(job streamJob, text string) {
	if text != "" {
		if _, err := b.chats.Append(job.uid, job.sid, prompt.Message{Role: "assistant", Content: text}); err != nil {
			b.logger.Error().Err(err).
				Str("event", "stream.append_failed").
				Str("session_id", job.sid).
				Msg("assistant turn not persisted")
		}
	}

	if _, err := b.chats.ApplyPending(job.uid, job.sid); err != nil {
		b.logger.Error().Err(err).
			Str("event", "stream.ops_failed").
			Str("session_id", job.sid).
			Msg("pending session ops not applied")
	}

	if b.retitler == nil || !b.settings.Bool(job.sid, "retitle.enabled", true) {
		return
	}
	sess, found, err := b.chats.Load(job.uid, job.sid)
	if err != nil || !found {
		return
	}
	b.retitler.Enqueue(job.uid, job.sid, sess.Messages, sess.Seq)
}
