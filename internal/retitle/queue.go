// SPDX-License-Identifier: MIT

// Package retitle derives short chat titles in the background. Jobs
// coalesce per (user, session) and run behind the same semaphore as
// interactive generation, so a title call never competes with a live
// stream for worker slots.
package retitle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/llamad/llamad/internal/chat"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/metrics"
	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/supervisor"
	"github.com/llamad/llamad/internal/worker"
)

const (
	graceDelay    = time.Second
	backoffStart  = 75 * time.Millisecond
	backoffCap    = 600 * time.Millisecond
	backoffBudget = 20 * time.Second

	titleMaxTokens = 16
	callTimeout    = 45 * time.Second
	// sourceMaxChars bounds the conversation excerpt sent to the
	// worker; titles never need more context than this.
	sourceMaxChars = 2000

	defaultCapacity = 64
)

// titleSystemPrompt is fixed so title runs stay reproducible across
// sessions and models.
const titleSystemPrompt = "Generate a short title for the conversation. " +
	"Respond with 2 to 5 words in Title Case. No quotes, no punctuation, nothing else."

// WorkerSource yields the generation target.
type WorkerSource interface {
	ActiveWorker() (*supervisor.WorkerInfo, bool)
}

type snapshot struct {
	uid, sid string
	msgs     []prompt.Message
	seq      int64
}

// Queue is the coalescing retitle scheduler. One key per
// (user, session) holds the latest snapshot; the bounded FIFO keeps
// arrival order.
type Queue struct {
	chats    *chat.Store
	settings *settings.Store
	workers  WorkerSource
	sem      *semaphore.Weighted
	isActive func(sessionID string) bool
	client   *http.Client
	logger   zerolog.Logger

	mu    sync.Mutex
	snaps map[string]snapshot
	keys  chan string

	// grace and budget exist as fields so tests can shrink them.
	grace  time.Duration
	budget time.Duration
}

// New builds the queue. isActive reports whether a session is
// streaming right now; nil means never.
func New(chats *chat.Store, st *settings.Store, workers WorkerSource, sem *semaphore.Weighted, isActive func(string) bool) *Queue {
	capacity := st.Int("", "retitle.queue_capacity", defaultCapacity)
	if capacity < 1 {
		capacity = 1
	}
	if isActive == nil {
		isActive = func(string) bool { return false }
	}
	return &Queue{
		chats:    chats,
		settings: st,
		workers:  workers,
		sem:      sem,
		isActive: isActive,
		client:   &http.Client{Timeout: callTimeout},
		logger:   log.WithComponent("retitle"),
		snaps:    make(map[string]snapshot),
		keys:     make(chan string, capacity),
		grace:    graceDelay,
		budget:   backoffBudget,
	}
}

// Enqueue registers the latest session snapshot. Last write wins; a
// key already waiting keeps its queue position. A full queue drops
// the job, titles are best effort.
func (q *Queue) Enqueue(uid, sessionID string, msgs []prompt.Message, jobSeq int64) {
	key := uid + "/" + sessionID
	snap := snapshot{
		uid:  uid,
		sid:  sessionID,
		msgs: append([]prompt.Message(nil), msgs...),
		seq:  jobSeq,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.snaps[key]; queued {
		q.snaps[key] = snap
		return
	}
	select {
	case q.keys <- key:
		q.snaps[key] = snap
	default:
		metrics.IncRetitle("dropped")
		q.logger.Warn().
			Str("event", "retitle.queue_full").
			Str("session_id", sessionID).
			Msg("retitle job dropped")
	}
}

// Run consumes jobs until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-q.keys:
			q.process(ctx, q.take(key))
		}
	}
}

func (q *Queue) take(key string) snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := q.snaps[key]
	delete(q.snaps, key)
	return snap
}

func (q *Queue) process(ctx context.Context, snap snapshot) {
	if snap.sid == "" {
		return
	}
	if !sleepCtx(ctx, q.grace) {
		return
	}

	// Defer to interactive traffic, but never forever: after the
	// budget the job proceeds and waits on the semaphore like
	// anyone else.
	wait := backoffStart
	deadline := time.Now().Add(q.budget)
	for q.isActive(snap.sid) && time.Now().Before(deadline) {
		if !sleepCtx(ctx, wait) {
			return
		}
		wait *= 2
		if wait > backoffCap {
			wait = backoffCap
		}
	}

	cur, err := q.chats.Seq(snap.uid, snap.sid)
	if err != nil {
		metrics.IncRetitle("failed")
		q.logger.Error().Err(err).
			Str("event", "retitle.seq_failed").
			Str("session_id", snap.sid).
			Msg("session sequence unreadable")
		return
	}
	if cur > snap.seq {
		// The session moved on; the newer mutation enqueued its own
		// job.
		metrics.IncRetitle("skipped")
		return
	}

	source, ok := sourceMessage(snap.msgs)
	if !ok {
		metrics.IncRetitle("skipped")
		return
	}

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer q.sem.Release(1)

	active, ok := q.workers.ActiveWorker()
	if !ok {
		metrics.IncRetitle("skipped")
		q.logger.Debug().
			Str("event", "retitle.no_worker").
			Str("session_id", snap.sid).
			Msg("no active worker for title run")
		return
	}

	raw, err := q.generate(ctx, *active, source)
	if err != nil {
		metrics.IncRetitle("failed")
		q.logger.Warn().Err(err).
			Str("event", "retitle.generate_failed").
			Str("session_id", snap.sid).
			Str("worker_id", active.ID).
			Msg("title generation failed")
		return
	}

	maxWords := q.settings.Int(snap.sid, "retitle.max_words", 5)
	maxChars := q.settings.Int(snap.sid, "retitle.max_chars", 48)
	title := Sanitize(raw, maxWords, maxChars)
	if title == "" {
		metrics.IncRetitle("skipped")
		return
	}

	changed, err := q.chats.SetTitle(snap.uid, snap.sid, title)
	switch {
	case err != nil:
		metrics.IncRetitle("failed")
		q.logger.Error().Err(err).
			Str("event", "retitle.persist_failed").
			Str("session_id", snap.sid).
			Msg("title not persisted")
	case changed:
		metrics.IncRetitle("done")
		q.logger.Info().
			Str("event", "retitle.applied").
			Str("session_id", snap.sid).
			Str("title", title).
			Msg("chat title updated")
	default:
		metrics.IncRetitle("skipped")
	}
}

// generate runs the title prompt against the worker and returns the
// visible text with the trailer stripped.
func (q *Queue) generate(ctx context.Context, active supervisor.WorkerInfo, source string) (string, error) {
	if len(source) > sourceMaxChars {
		source = strings.ToValidUTF8(source[:sourceMaxChars], "")
	}
	body, err := json.Marshal(worker.GenerateRequest{
		// Distinct worker-side session key: a title run must never
		// touch an interactive stream's cancel flag.
		SessionID: "retitle",
		Messages: []prompt.Message{
			{Role: "system", Content: titleSystemPrompt},
			{Role: "user", Content: source},
		},
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal title request: %w", err)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, callTimeout)
	defer cancelCall()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, "http://"+active.Addr()+"/generate/stream", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build title request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call worker: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read title response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("worker responded %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// A broken trailer still leaves usable text.
	text, _, _ := runjson.Extract(raw)
	return string(text), nil
}

// sourceMessage picks the text a title derives from: the first
// substantial user turn, else the last substantial assistant turn.
func sourceMessage(msgs []prompt.Message) (string, bool) {
	for _, m := range msgs {
		if m.Role == "user" && substantial(m.Content) {
			return m.Content, true
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if m := msgs[i]; m.Role == "assistant" && substantial(m.Content) {
			return m.Content, true
		}
	}
	return "", false
}

func substantial(s string) bool {
	return len(strings.TrimSpace(s)) >= 2
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
