// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/semaphore"

	"github.com/llamad/llamad/internal/cancel"
	"github.com/llamad/llamad/internal/chat"
	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
	"github.com/llamad/llamad/internal/runlog"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/supervisor"
	"github.com/llamad/llamad/internal/worker"
)

type fakeWorkers struct {
	mu sync.Mutex
	w  *supervisor.WorkerInfo
}

func (f *fakeWorkers) set(w *supervisor.WorkerInfo) {
	f.mu.Lock()
	f.w = w
	f.mu.Unlock()
}

func (f *fakeWorkers) ActiveWorker() (*supervisor.WorkerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == nil {
		return nil, false
	}
	cp := *f.w
	return &cp, true
}

type retitleCall struct {
	uid, sid string
	msgs     int
	seq      int64
}

type fakeRetitler struct {
	mu    sync.Mutex
	calls []retitleCall
}

func (f *fakeRetitler) Enqueue(uid, sessionID string, msgs []prompt.Message, jobSeq int64) {
	f.mu.Lock()
	f.calls = append(f.calls, retitleCall{uid: uid, sid: sessionID, msgs: len(msgs), seq: jobSeq})
	f.mu.Unlock()
}

func (f *fakeRetitler) snapshot() []retitleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]retitleCall(nil), f.calls...)
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []runlog.Run
}

func (f *fakeRecorder) Record(_ context.Context, run runlog.Run) error {
	f.mu.Lock()
	f.runs = append(f.runs, run)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecorder) snapshot() []runlog.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runlog.Run(nil), f.runs...)
}

type bridgeEnv struct {
	bridge   *Bridge
	chats    *chat.Store
	settings *settings.Store
	flags    *cancel.Registry
	retitler *fakeRetitler
	recorder *fakeRecorder
	workers  *fakeWorkers
}

func newBridgeEnv(t *testing.T) *bridgeEnv {
	t.Helper()

	st, err := settings.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	chats, err := chat.New(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		if tr, ok := http.DefaultTransport.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	})

	fw := &fakeWorkers{}
	rt := &fakeRetitler{}
	rec := &fakeRecorder{}
	flags := cancel.NewRegistry()
	return &bridgeEnv{
		bridge:   New(chats, st, fw, flags, rt, rec, semaphore.NewWeighted(1)),
		chats:    chats,
		settings: st,
		flags:    flags,
		retitler: rt,
		recorder: rec,
		workers:  fw,
	}
}

func workerInfoFor(t *testing.T, srv *httptest.Server) *supervisor.WorkerInfo {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &supervisor.WorkerInfo{
		ID:         "w-bridge-test",
		ModelPath:  "/models/tiny-test.gguf",
		Port:       port,
		BindHost:   host,
		ClientHost: host,
		Status:     supervisor.StatusReady,
		Kwargs: guardrail.LaunchKwargs{
			NCtx:     4096,
			NBatch:   512,
			NThreads: 4,
			Accel:    guardrail.AccelCPU,
		},
		StartedAt: time.Now(),
	}
}

func runStream(t *testing.T, env *bridgeEnv, req Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil)
	require.NoError(t, env.bridge.Run(rec, httpReq, req))
	return rec
}

// decodeGenerate runs inside handler goroutines, so it must not
// FailNow.
func decodeGenerate(t *testing.T, r *http.Request) worker.GenerateRequest {
	var req worker.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode generate request: %v", err)
	}
	return req
}

func TestStreamHappyPath(t *testing.T) {
	env := newBridgeEnv(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pt := 42
	workerBlock, err := runjson.Encode(runjson.Trailer{
		Stats: runjson.Stats{
			StopReason:           runjson.StopReasonEOS,
			PromptTokensCount:    &pt,
			PredictedTokensCount: 7,
			Timings: runjson.Timings{Engine: &runjson.EngineTimings{
				PromptN: 42, PromptMS: 12.5, PredictedN: 7, PredictedMS: 30,
			}},
		},
	})
	require.NoError(t, err)

	var got worker.GenerateRequest
	var gotMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMu.Lock()
		got = decodeGenerate(t, r)
		gotMu.Unlock()
		f := w.(http.Flusher)
		_, _ = w.Write([]byte("Hello "))
		f.Flush()
		_, _ = w.Write([]byte("world"))
		f.Flush()
		_, _ = w.Write(workerBlock)
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	rec := runStream(t, env, Request{
		SessionID:   "sess-happy",
		Messages:    []prompt.Message{{Role: "user", Content: "Say hello"}},
		Temperature: 0.7,
		TopP:        0.9,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.Bytes()
	require.Equal(t, 1, strings.Count(string(body), runjson.EndSentinel), "exactly one trailer")

	text, trailer, err := runjson.Extract(body)
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, "Hello world", string(text))
	assert.Equal(t, runjson.StopReasonEOS, trailer.Stats.StopReason)
	assert.Equal(t, 7, trailer.Stats.PredictedTokensCount)
	require.NotNil(t, trailer.Stats.PromptTokensCount)
	assert.Equal(t, 42, *trailer.Stats.PromptTokensCount)
	require.NotNil(t, trailer.Stats.TotalTokensCount)
	assert.Equal(t, 49, *trailer.Stats.TotalTokensCount)
	assert.NotNil(t, trailer.Stats.TokensPerSecond)
	assert.Nil(t, trailer.Stats.Error)
	require.NotNil(t, trailer.Stats.Timings.Engine)
	assert.Equal(t, 7, trailer.Stats.Timings.Engine.PredictedN)
	assert.Equal(t, "/models/tiny-test.gguf", trailer.IndexedModelIdentifier)
	assert.Equal(t, "tiny-test", trailer.Identifier)
	assert.Equal(t, float64(4096), trailer.Stats.Budget["n_ctx"])
	assert.Contains(t, trailer.Stats.Budget, "out_budget")

	gotMu.Lock()
	assert.Equal(t, "sess-happy", got.SessionID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Say hello", got.Messages[0].Content)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.InDelta(t, 0.9, got.TopP, 1e-9)
	assert.Positive(t, got.MaxTokens)
	gotMu.Unlock()

	// The turn is persisted under the default uid.
	sess, found, err := env.chats.Load("local", "sess-happy")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "assistant", sess.Messages[1].Role)
	assert.Equal(t, "Hello world", sess.Messages[1].Content)

	calls := env.retitler.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "local", calls[0].uid)
	assert.Equal(t, "sess-happy", calls[0].sid)
	assert.Equal(t, 2, calls[0].msgs)
	assert.Equal(t, sess.Seq, calls[0].seq)

	runs := env.recorder.snapshot()
	require.Len(t, runs, 1)
	assert.Equal(t, "sess-happy", runs[0].SessionID)
	assert.Equal(t, "tiny-test", runs[0].Model)
	assert.Equal(t, runjson.StopReasonEOS, runs[0].StopReason)
	assert.Equal(t, 42, runs[0].PromptTokens)
	assert.Equal(t, 7, runs[0].PredictedTokens)
	assert.Empty(t, runs[0].Error)
}

func TestStreamNoActiveWorker(t *testing.T) {
	env := newBridgeEnv(t)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil)
	err := env.bridge.Run(rec, httpReq, Request{
		SessionID: "sess-idle",
		Messages:  []prompt.Message{{Role: "user", Content: "anyone there?"}},
	})
	require.ErrorIs(t, err, ErrNoActiveWorker)
	assert.Zero(t, rec.Body.Len(), "no stream byte before the worker check")

	// The user turn is already persisted; the conversation survives
	// the 409.
	sess, found, loadErr := env.chats.Load("local", "sess-idle")
	require.NoError(t, loadErr)
	require.True(t, found)
	require.Len(t, sess.Messages, 1)
}

func TestStreamRejectsEmptyMessages(t *testing.T) {
	env := newBridgeEnv(t)
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil)
	err := env.bridge.Run(rec, httpReq, Request{SessionID: "sess-empty"})
	require.ErrorIs(t, err, ErrNoMessages)
}

func TestStreamOverflowRetriesOnce(t *testing.T) {
	env := newBridgeEnv(t)

	block, err := runjson.Encode(runjson.Trailer{
		Stats: runjson.Stats{StopReason: runjson.StopReasonEOS, PredictedTokensCount: 1},
	})
	require.NoError(t, err)

	var calls atomic.Int32
	var maxTokens [2]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		req := decodeGenerate(t, r)
		if int(n) <= len(maxTokens) {
			maxTokens[n-1] = req.MaxTokens
		}
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "requested tokens exceed context window",
			})
			return
		}
		_, _ = w.Write([]byte("ok"))
		_, _ = w.Write(block)
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	rec := runStream(t, env, Request{
		SessionID: "sess-overflow",
		Messages:  []prompt.Message{{Role: "user", Content: "long context"}},
		MaxTokens: 256,
	})

	require.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 256, maxTokens[0])
	assert.Equal(t, 128, maxTokens[1], "retry halves the budget")

	text, trailer, err := runjson.Extract(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, "ok", string(text))
	assert.Equal(t, runjson.StopReasonEOS, trailer.Stats.StopReason)
	assert.Nil(t, trailer.Stats.Error)

	// The trailer reports the budget that actually ran.
	var reported int
	for _, f := range trailer.PredictionConfig.Fields {
		if f.Key == "max_tokens" {
			reported = int(f.Value.(float64))
		}
	}
	assert.Equal(t, 128, reported)
}

func TestStreamWorkerLostMidStream(t *testing.T) {
	env := newBridgeEnv(t)

	const partial = "partial response from model"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		_, _ = w.Write([]byte(partial))
		f.Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	rec := runStream(t, env, Request{
		SessionID: "sess-lost",
		Messages:  []prompt.Message{{Role: "user", Content: "hi"}},
	})

	require.Equal(t, http.StatusOK, rec.Code, "failures after the first byte stay in-band")
	body := rec.Body.String()
	assert.Contains(t, body, partial)
	assert.Contains(t, body, "[error] ")

	text, trailer, err := runjson.Extract(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, runjson.StopReasonError, trailer.Stats.StopReason)
	require.NotNil(t, trailer.Stats.Error)
	assert.NotEmpty(t, *trailer.Stats.Error)
	assert.Contains(t, string(text), partial)

	// Only the real tokens are persisted, never the error chunk.
	sess, found, err := env.chats.Load("local", "sess-lost")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, partial, sess.Messages[1].Content)
}

func TestStreamPreStreamWorkerFailure(t *testing.T) {
	env := newBridgeEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model still loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	rec := runStream(t, env, Request{
		SessionID: "sess-503",
		Messages:  []prompt.Message{{Role: "user", Content: "hi"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	text, trailer, err := runjson.Extract(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, runjson.StopReasonError, trailer.Stats.StopReason)
	require.NotNil(t, trailer.Stats.Error)
	assert.Contains(t, *trailer.Stats.Error, "503")
	assert.Contains(t, string(text), "[error] ")

	// No assistant turn for a stream that produced nothing.
	sess, found, err := env.chats.Load("local", "sess-503")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, sess.Messages, 1)

	runs := env.recorder.snapshot()
	require.Len(t, runs, 1)
	assert.Equal(t, runjson.StopReasonError, runs[0].StopReason)
	assert.Contains(t, runs[0].Error, "503")
}

func TestStreamCancelSuppressesTokens(t *testing.T) {
	env := newBridgeEnv(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const preText = "The quick brown fox jumps over the lazy dog. "
	var cancelHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/cancel/") {
			cancelHits.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		f := w.(http.Flusher)
		_, _ = w.Write([]byte(preText))
		f.Flush()
		// Cancel lands while the worker is still producing. Everything
		// after this point must never reach the client.
		env.flags.GetOrCreate("sess-cancel").Set()
		_, _ = w.Write([]byte("ZZZ"))
		f.Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	rec := runStream(t, env, Request{
		SessionID: "sess-cancel",
		Messages:  []prompt.Message{{Role: "user", Content: "tell me a story"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "ZZZ", "no token bytes after cancel")
	require.EqualValues(t, 1, cancelHits.Load(), "cancel forwarded to the worker")

	text, trailer, err := runjson.Extract(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, runjson.StopReasonCancel, trailer.Stats.StopReason)

	// Stop banner terminates the stream, after the trailer.
	trimmed := strings.TrimRight(body, "\n")
	assert.True(t, strings.HasSuffix(trimmed, runjson.StopBanner), "banner is the last line")
	assert.Less(t, strings.Index(body, runjson.EndSentinel), strings.Index(body, runjson.StopBanner))

	// The transcript keeps only pre-cancel tokens; the client may have
	// seen a prefix of those when the cancel raced the last chunk.
	sess, found, err := env.chats.Load("local", "sess-cancel")
	require.NoError(t, err)
	require.True(t, found)
	if len(sess.Messages) == 2 {
		persisted := sess.Messages[1].Content
		assert.True(t, strings.HasPrefix(preText, persisted))
		assert.True(t, strings.HasPrefix(persisted, string(text)))
	} else {
		assert.Empty(t, string(text))
	}
}

func TestStreamBannerDisabled(t *testing.T) {
	env := newBridgeEnv(t)
	require.NoError(t, env.settings.PatchOverrides(map[string]any{
		"stream": map[string]any{"stop_banner": false},
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/cancel/") {
			w.WriteHeader(http.StatusOK)
			return
		}
		f := w.(http.Flusher)
		_, _ = w.Write([]byte("some tokens streaming here before the cut"))
		f.Flush()
		env.flags.GetOrCreate("sess-quiet").Set()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	rec := runStream(t, env, Request{
		SessionID: "sess-quiet",
		Messages:  []prompt.Message{{Role: "user", Content: "go"}},
	})

	body := rec.Body.String()
	assert.NotContains(t, body, runjson.StopBanner)
	_, trailer, err := runjson.Extract(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, runjson.StopReasonCancel, trailer.Stats.StopReason)
}

func TestStreamClampsToRequestedMaxTokens(t *testing.T) {
	env := newBridgeEnv(t)

	block, err := runjson.Encode(runjson.Trailer{
		Stats: runjson.Stats{StopReason: runjson.StopReasonEOS},
	})
	require.NoError(t, err)

	var got atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGenerate(t, r)
		got.Store(int64(req.MaxTokens))
		_, _ = w.Write([]byte("x"))
		_, _ = w.Write(block)
	}))
	defer srv.Close()
	env.workers.set(workerInfoFor(t, srv))

	runStream(t, env, Request{
		SessionID: "sess-clamp",
		Messages:  []prompt.Message{{Role: "user", Content: "short"}},
		MaxTokens: 77,
	})
	assert.EqualValues(t, 77, got.Load())
}

func TestActivityCountsNestedStreams(t *testing.T) {
	a := NewActivity()
	assert.False(t, a.IsActive("s1"))

	a.begin("s1")
	a.begin("s1")
	a.begin("s2")
	assert.True(t, a.IsActive("s1"))
	assert.True(t, a.IsActive("s2"))

	a.end("s1")
	assert.True(t, a.IsActive("s1"), "still one stream in flight")
	a.end("s1")
	assert.False(t, a.IsActive("s1"))

	a.end("s2")
	assert.False(t, a.IsActive("s2"))
}
