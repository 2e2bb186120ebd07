// SPDX-License-Identifier: MIT

package retitle

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/llamad/llamad/internal/chat"
	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/supervisor"
	"github.com/llamad/llamad/internal/worker"
)

type staticWorkers struct {
	mu sync.Mutex
	w  *supervisor.WorkerInfo
}

func (s *staticWorkers) ActiveWorker() (*supervisor.WorkerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil, false
	}
	cp := *s.w
	return &cp, true
}

type titleEnv struct {
	queue    *Queue
	chats    *chat.Store
	settings *settings.Store
	workers  *staticWorkers
}

func newTitleEnv(t *testing.T, isActive func(string) bool) *titleEnv {
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

	fw := &staticWorkers{}
	q := New(chats, st, fw, semaphore.NewWeighted(1), isActive)
	q.grace = time.Millisecond
	return &titleEnv{queue: q, chats: chats, settings: st, workers: fw}
}

// titleWorker serves a fixed title plus trailer and records the
// requests it saw.
func titleWorker(t *testing.T, title string) (*httptest.Server, *supervisor.WorkerInfo, func() []worker.GenerateRequest) {
	t.Helper()

	block, err := runjson.Encode(runjson.Trailer{
		Stats: runjson.Stats{StopReason: runjson.StopReasonEOS, PredictedTokensCount: 3},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []worker.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req worker.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode title request: %v", err)
		}
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		_, _ = w.Write([]byte(title))
		_, _ = w.Write(block)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	info := &supervisor.WorkerInfo{
		ID:         "w-title",
		ModelPath:  "/models/tiny.gguf",
		Port:       port,
		BindHost:   host,
		ClientHost: host,
		Status:     supervisor.StatusReady,
		Kwargs:     guardrail.LaunchKwargs{NCtx: 4096, Accel: guardrail.AccelCPU},
	}
	snap := func() []worker.GenerateRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]worker.GenerateRequest(nil), seen...)
	}
	return srv, info, snap
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "Local Model Chat", "Local Model Chat"},
		{"lowercase", "gpu memory primer", "Gpu Memory Primer"},
		{"acronym kept", "LLM Setup Guide", "LLM Setup Guide"},
		{"quotes stripped", `"Weekend Trip Plans"`, "Weekend Trip Plans"},
		{"trailing period", "Weekend Trip Plans.", "Weekend Trip Plans"},
		{"list marker", "- Debugging Session Notes", "Debugging Session Notes"},
		{"word cap", "One Two Three Four Five Six Seven", "One Two Three Four Five"},
		{"first line only", "\n\nReal Title\nSecond line ignored", "Real Title"},
		{"punctuation dropped", "Hello, World! (Draft)", "Hello World Draft"},
		{"apostrophe kept", "What's New Today", "What's New Today"},
		{"empty", "   \n\t", ""},
		{"only punctuation", "!!! ...", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.raw, 5, 48))
		})
	}
}

func TestSanitizeCharCapCutsOnWordBoundary(t *testing.T) {
	raw := "Extraordinarily Comprehensive Conversation Summary Title"
	got := Sanitize(raw, 5, 40)
	assert.LessOrEqual(t, len(got), 40)
	assert.Equal(t, "Extraordinarily Comprehensive", got)

	// One giant word falls back to a hard cut.
	hard := Sanitize("Pneumonoultramicroscopicsilicovolcanoconiosis", 5, 10)
	assert.Equal(t, "Pneumonoul", hard)
}

func TestSourceMessage(t *testing.T) {
	msgs := []prompt.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: " "},
		{Role: "user", Content: "Plan my weekend trip"},
		{Role: "assistant", Content: "Sure, where to?"},
	}
	src, ok := sourceMessage(msgs)
	require.True(t, ok)
	assert.Equal(t, "Plan my weekend trip", src)

	// No substantial user turn: last substantial assistant wins.
	src, ok = sourceMessage([]prompt.Message{
		{Role: "user", Content: "k"},
		{Role: "assistant", Content: "First answer"},
		{Role: "assistant", Content: "Second answer"},
	})
	require.True(t, ok)
	assert.Equal(t, "Second answer", src)

	_, ok = sourceMessage([]prompt.Message{{Role: "user", Content: " "}})
	assert.False(t, ok)

	_, ok = sourceMessage(nil)
	assert.False(t, ok)
}

func TestEnqueueCoalescesPerKey(t *testing.T) {
	env := newTitleEnv(t, nil)
	q := env.queue

	msgs := []prompt.Message{{Role: "user", Content: "hello there"}}
	q.Enqueue("u1", "s1", msgs, 1)
	q.Enqueue("u1", "s1", msgs, 2)
	q.Enqueue("u1", "s2", msgs, 1)

	assert.Len(t, q.keys, 2, "one queue slot per key")
	q.mu.Lock()
	assert.EqualValues(t, 2, q.snaps["u1/s1"].seq, "last write wins")
	assert.EqualValues(t, 1, q.snaps["u1/s2"].seq)
	q.mu.Unlock()
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	st, err := settings.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.PatchOverrides(map[string]any{
		"retitle": map[string]any{"queue_capacity": 1},
	}))

	chats, err := chat.New(t.TempDir())
	require.NoError(t, err)

	q := New(chats, st, &staticWorkers{}, semaphore.NewWeighted(1), nil)
	msgs := []prompt.Message{{Role: "user", Content: "hello"}}
	q.Enqueue("u1", "s1", msgs, 1)
	q.Enqueue("u1", "s2", msgs, 1)

	assert.Len(t, q.keys, 1)
	q.mu.Lock()
	_, hasFirst := q.snaps["u1/s1"]
	_, hasSecond := q.snaps["u1/s2"]
	q.mu.Unlock()
	assert.True(t, hasFirst)
	assert.False(t, hasSecond, "overflow job dropped")
}

func TestProcessSetsTitle(t *testing.T) {
	env := newTitleEnv(t, nil)
	_, info, seen := titleWorker(t, "Weekend Trip Plans")
	env.workers.mu.Lock()
	env.workers.w = info
	env.workers.mu.Unlock()

	sess, err := env.chats.Append("u1", "s1", prompt.Message{Role: "user", Content: "Plan my weekend trip to the coast"})
	require.NoError(t, err)

	env.queue.process(context.Background(), snapshot{
		uid: "u1", sid: "s1", msgs: sess.Messages, seq: sess.Seq,
	})

	rows, err := env.chats.Index("u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Weekend Trip Plans", rows[0].Title)

	reqs := seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "retitle", reqs[0].SessionID)
	assert.Equal(t, titleMaxTokens, reqs[0].MaxTokens)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Contains(t, reqs[0].Messages[1].Content, "weekend trip")
}

func TestProcessSkipsStaleSnapshot(t *testing.T) {
	env := newTitleEnv(t, nil)
	_, info, seen := titleWorker(t, "Should Not Appear")
	env.workers.mu.Lock()
	env.workers.w = info
	env.workers.mu.Unlock()

	sess, err := env.chats.Append("u1", "s1", prompt.Message{Role: "user", Content: "first message here"})
	require.NoError(t, err)

	// The session moves on before the job runs.
	_, err = env.chats.Append("u1", "s1", prompt.Message{Role: "assistant", Content: "reply"})
	require.NoError(t, err)

	env.queue.process(context.Background(), snapshot{
		uid: "u1", sid: "s1", msgs: sess.Messages, seq: sess.Seq,
	})

	assert.Empty(t, seen(), "stale job never reaches the worker")
	rows, err := env.chats.Index("u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "New Chat", rows[0].Title)
}

func TestProcessProceedsAfterBackoffBudget(t *testing.T) {
	var activeChecks atomic.Int32
	alwaysActive := func(string) bool {
		activeChecks.Add(1)
		return true
	}
	env := newTitleEnv(t, alwaysActive)
	env.queue.budget = 30 * time.Millisecond

	_, info, _ := titleWorker(t, "Stubborn Title Run")
	env.workers.mu.Lock()
	env.workers.w = info
	env.workers.mu.Unlock()

	sess, err := env.chats.Append("u1", "s1", prompt.Message{Role: "user", Content: "long running conversation"})
	require.NoError(t, err)

	env.queue.process(context.Background(), snapshot{
		uid: "u1", sid: "s1", msgs: sess.Messages, seq: sess.Seq,
	})

	assert.Positive(t, activeChecks.Load(), "deferral consulted the activity check")
	rows, err := env.chats.Index("u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Stubborn Title Run", rows[0].Title, "budget exhausted, job proceeds")
}

func TestProcessSkipsWithoutSource(t *testing.T) {
	env := newTitleEnv(t, nil)
	_, info, seen := titleWorker(t, "Unused")
	env.workers.mu.Lock()
	env.workers.w = info
	env.workers.mu.Unlock()

	sess, err := env.chats.Append("u1", "s1", prompt.Message{Role: "user", Content: " "})
	require.NoError(t, err)

	env.queue.process(context.Background(), snapshot{
		uid: "u1", sid: "s1", msgs: sess.Messages, seq: sess.Seq,
	})
	assert.Empty(t, seen())
}

func TestProcessWithoutWorkerSkips(t *testing.T) {
	env := newTitleEnv(t, nil)

	sess, err := env.chats.Append("u1", "s1", prompt.Message{Role: "user", Content: "hello hello"})
	require.NoError(t, err)

	env.queue.process(context.Background(), snapshot{
		uid: "u1", sid: "s1", msgs: sess.Messages, seq: sess.Seq,
	})

	rows, err := env.chats.Index("u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "New Chat", rows[0].Title)
}

func TestRunDrainsQueue(t *testing.T) {
	env := newTitleEnv(t, nil)
	_, info, _ := titleWorker(t, "Queued Title Run")
	env.workers.mu.Lock()
	env.workers.w = info
	env.workers.mu.Unlock()

	sess, err := env.chats.Append("u1", "s1", prompt.Message{Role: "user", Content: "queue me a title"})
	require.NoError(t, err)

	ctx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.queue.Run(ctx)
	}()

	env.queue.Enqueue("u1", "s1", sess.Messages, sess.Seq)

	require.Eventually(t, func() bool {
		rows, err := env.chats.Index("u1")
		return err == nil && len(rows) == 1 && rows[0].Title == "Queued Title Run"
	}, 5*time.Second, 20*time.Millisecond)

	cancelRun()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
