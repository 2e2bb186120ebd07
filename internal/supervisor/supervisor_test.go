// SPDX-License-Identifier: MIT

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/engine"
	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/model"
	"github.com/llamad/llamad/internal/procgroup"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/worker"
)

// TestHelperWorker is not a test: spawn re-executes the test binary
// with this filter and the helper env flag, turning it into a real
// worker subprocess.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("helper process target")
	}
	cfg, err := worker.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker env:", err)
		os.Exit(2)
	}
	eng, err := engine.New(cfg.EngineConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := worker.NewServer(cfg, eng, zerolog.Nop()).Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "worker run:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// TestHelperCrash plays a worker whose model load explodes.
func TestHelperCrash(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("helper process target")
	}
	fmt.Fprintln(os.Stderr, "fatal: model load exploded")
	os.Exit(3)
}

func writeFakeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny-model.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 4096), 0o600))
	return path
}

// helperEnv arms the re-exec contract: the child recognizes itself as
// a worker and the built-in engine runs at test speed.
func helperEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv(worker.EnvLoadDelay, "-1ms")
	t.Setenv(worker.EnvTokenDelay, "1ms")
}

func newTestSupervisor(t *testing.T, helper string) *Supervisor {
	t.Helper()
	st, err := settings.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := New(config.WorkerConfig{
		Bin:          os.Args[0],
		Host:         "127.0.0.1",
		SpawnTimeout: 30 * time.Second,
		StopGrace:    5 * time.Second,
	}, st, model.NewProber(nil, 0, zerolog.Nop()), zerolog.Nop())
	s.binArgs = []string{"-test.run=" + helper + "$"}
	// No GPU visible: the planner takes the CPU path unless a test
	// installs its own probe.
	s.vram = func(context.Context) (uint64, uint64) { return 0, 0 }

	t.Cleanup(func() {
		s.StopAll(context.Background())
		if tr, ok := http.DefaultTransport.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	})
	return s
}

func waitStatus(t *testing.T, s *Supervisor, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := s.Get(id)
		return ok && info.Status == want
	}, 30*time.Second, 50*time.Millisecond, "worker %s never reached %s", id, want)
}

func TestSpawnLifecycle(t *testing.T) {
	// Registered before newTestSupervisor's cleanups so it runs after
	// they have shut everything down (cleanups run LIFO).
	ignoreCurrent := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignoreCurrent) })

	helperEnv(t)
	s := newTestSupervisor(t, "TestHelperWorker")
	path := writeFakeModel(t)

	info, err := s.Spawn(context.Background(), path, guardrail.UserKwargs{})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, StatusLoading, info.Status)
	assert.Len(t, info.ID, 16, "8 random bytes hex encoded")
	assert.Greater(t, info.PID, 0)
	assert.Greater(t, info.Port, 0)
	assert.Equal(t, 0, info.Kwargs.NGPULayers, "no GPU means CPU path")

	waitStatus(t, s, info.ID, StatusReady)

	// First ready worker is auto-activated.
	active, ok := s.ActiveWorker()
	require.True(t, ok)
	assert.Equal(t, info.ID, active.ID)

	addr, ok := s.Addr(info.ID)
	require.True(t, ok)
	assert.Contains(t, addr, "127.0.0.1:")
	port, ok := s.Port(info.ID)
	require.True(t, ok)
	assert.Equal(t, info.Port, port)

	pub, ok := s.Describe(info.ID)
	require.True(t, ok)
	assert.True(t, pub.Active)
	assert.NotNil(t, pub.ReadyAt)

	list := s.List(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, StatusReady, list[0].Status)

	require.True(t, s.Stop(context.Background(), info.ID))
	got, ok := s.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, StatusStopped, got.Status)

	_, ok = s.ActiveWorker()
	assert.False(t, ok, "active selection cleared with the worker")

	assert.False(t, s.Stop(context.Background(), info.ID), "second stop is a no-op")
	assert.False(t, s.Stop(context.Background(), "does-not-exist"))
}

func TestSpawnDedupWhileLoading(t *testing.T) {
	helperEnv(t)
	t.Setenv(worker.EnvLoadDelay, "30s") // keep the worker loading

	s := newTestSupervisor(t, "TestHelperWorker")
	path := writeFakeModel(t)

	first, err := s.Spawn(context.Background(), path, guardrail.UserKwargs{})
	require.NoError(t, err)
	require.Equal(t, StatusLoading, first.Status)

	second, err := s.Spawn(context.Background(), path, guardrail.UserKwargs{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "spawn for a loading path returns the same worker")

	list := s.List(context.Background())
	require.Len(t, list, 1, "dedup never creates a second record")

	// Kill-by-path preempts the in-flight load.
	killed, queued := s.RequestKillByPath(context.Background(), path, false)
	assert.False(t, queued)
	require.Equal(t, []string{first.ID}, killed)

	got, ok := s.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestRequestKillByPathQueuesAndArmsNextSpawn(t *testing.T) {
	helperEnv(t)
	s := newTestSupervisor(t, "TestHelperWorker")
	path := writeFakeModel(t)

	killed, queued := s.RequestKillByPath(context.Background(), path, true)
	assert.Empty(t, killed)
	assert.True(t, queued, "no live worker for the path queues the kill")

	killed, queued = s.RequestKillByPath(context.Background(), path, true)
	assert.Empty(t, killed)
	assert.True(t, queued, "queueing twice is the same as once")

	info, err := s.Spawn(context.Background(), path, guardrail.UserKwargs{})
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, info.Status, "armed path dies right after creation")

	_, found := s.Get(info.ID)
	assert.False(t, found, "killed-on-spawn records are discarded")

	require.Eventually(t, func() bool {
		return !procgroup.Alive(info.PID)
	}, 10*time.Second, 50*time.Millisecond, "subprocess should be gone")

	// The set entry was consumed: with still no live worker, a new
	// request queues again.
	_, queued = s.RequestKillByPath(context.Background(), path, true)
	assert.True(t, queued)
}

func TestSpawnGuardrailAbort(t *testing.T) {
	s := newTestSupervisor(t, "TestHelperWorker")
	// 8 GiB card with 4 GiB free; the pinned context alone wants ~8 GiB
	// of KV, and every spill knob is pinned shut.
	s.vram = func(context.Context) (uint64, uint64) { return 4 << 30, 8 << 30 }
	path := writeFakeModel(t)

	nCtx := 65536
	kv := true
	_, err := s.Spawn(context.Background(), path, guardrail.UserKwargs{
		NCtx:      &nCtx,
		KVOffload: &kv,
	})
	require.Error(t, err)

	var abort *GuardrailAbortError
	require.ErrorAs(t, err, &abort)
	assert.True(t, abort.VRAMProj.Decision.IsAbort())
	assert.Greater(t, abort.VRAMProj.ProjGB, abort.VRAMProj.BudgetGB)
	assert.Equal(t, path, abort.ModelPath)
	require.NotNil(t, abort.Incoming.NCtx)
	assert.Equal(t, nCtx, *abort.Incoming.NCtx)

	assert.Empty(t, s.List(context.Background()), "abort starts no subprocess")
}

func TestActivateAndPromotion(t *testing.T) {
	// Registered before newTestSupervisor's cleanups so it runs after
	// they have shut everything down (cleanups run LIFO).
	ignoreCurrent := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignoreCurrent) })

	helperEnv(t)
	s := newTestSupervisor(t, "TestHelperWorker")

	a, err := s.Spawn(context.Background(), writeFakeModel(t), guardrail.UserKwargs{})
	require.NoError(t, err)
	waitStatus(t, s, a.ID, StatusReady)

	b, err := s.Spawn(context.Background(), writeFakeModel(t), guardrail.UserKwargs{})
	require.NoError(t, err)
	waitStatus(t, s, b.ID, StatusReady)

	active, ok := s.ActiveWorker()
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID, "first ready worker holds the selection")

	// Stopping the active worker promotes the oldest remaining ready.
	require.True(t, s.Stop(context.Background(), a.ID))
	active, ok = s.ActiveWorker()
	require.True(t, ok)
	assert.Equal(t, b.ID, active.ID)

	err = s.Activate(a.ID)
	require.ErrorIs(t, err, ErrWorkerNotReady)
	err = s.Activate("f00dcafef00dcafe")
	require.ErrorIs(t, err, ErrUnknownWorker)
	require.NoError(t, s.Activate(b.ID))

	assert.Equal(t, 1, s.StopAll(context.Background()), "only b was still live")
	_, ok = s.ActiveWorker()
	assert.False(t, ok)
}

func TestLoadFailureMarksStopped(t *testing.T) {
	helperEnv(t)
	s := newTestSupervisor(t, "TestHelperCrash")

	info, err := s.Spawn(context.Background(), writeFakeModel(t), guardrail.UserKwargs{})
	require.NoError(t, err, "spawn itself succeeds; the process dies during load")

	waitStatus(t, s, info.ID, StatusStopped)
	_, ok := s.ActiveWorker()
	assert.False(t, ok)
}

func TestReadyDeadlineLeavesLoading(t *testing.T) {
	helperEnv(t)
	t.Setenv(worker.EnvLoadDelay, "30s")

	s := newTestSupervisor(t, "TestHelperWorker")
	s.cfg.SpawnTimeout = 300 * time.Millisecond
	path := writeFakeModel(t)

	info, err := s.Spawn(context.Background(), path, guardrail.UserKwargs{})
	require.NoError(t, err)

	// Past the deadline the poller has given up but the record is
	// still loading; it is the caller's to observe and kill.
	time.Sleep(time.Second)
	got, ok := s.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, StatusLoading, got.Status)

	killed, queued := s.RequestKillByPath(context.Background(), path, false)
	assert.False(t, queued)
	assert.Equal(t, []string{info.ID}, killed)
}

func TestLaunchEnvContract(t *testing.T) {
	plan := guardrail.PlanResult{
		Kwargs: guardrail.LaunchKwargs{
			NCtx:       8192,
			NBatch:     256,
			NThreads:   4,
			NGPULayers: 20,
			KVOffload:  true,
			Accel:      guardrail.AccelCUDA,
		},
		Env: map[string]string{
			"LLAMA_ACCEL":         "cuda",
			"HIP_VISIBLE_DEVICES": "",
		},
	}
	base := []string{"PATH=/usr/bin", "MODEL_PATH=/stale/old.gguf"}

	env := launchEnv(base, plan, "/models/m.gguf", "deadbeefdeadbeef", "127.0.0.1", 8123)

	get := func(key string) string {
		// Last occurrence wins, like exec.Cmd.
		val, found := "", false
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				val, found = strings.TrimPrefix(kv, key+"="), true
			}
		}
		require.True(t, found, "missing env %s", key)
		return val
	}

	assert.Equal(t, "/models/m.gguf", get("MODEL_PATH"), "contract beats inherited env")
	assert.Equal(t, "8192", get("N_CTX"))
	assert.Equal(t, "256", get("N_BATCH"))
	assert.Equal(t, "4", get("N_THREADS"))
	assert.Equal(t, "20", get("N_GPU_LAYERS"))
	assert.Equal(t, "deadbeefdeadbeef", get("WORKER_ID"))
	assert.Equal(t, "127.0.0.1", get("WORKER_HOST"))
	assert.Equal(t, "8123", get("WORKER_PORT"))
	assert.Equal(t, "cuda", get("LLAMA_ACCEL"))

	var kw map[string]any
	require.NoError(t, json.Unmarshal([]byte(get("LLAMA_KWARGS_JSON")), &kw))
	assert.EqualValues(t, 8192, kw["n_ctx"])
	assert.EqualValues(t, 20, kw["n_gpu_layers"])
	assert.Equal(t, true, kw["kv_offload"])
}

func TestStatusBoundary(t *testing.T) {
	for _, good := range []string{"loading", "ready", "stopped"} {
		st, err := ParseStatus(good)
		require.NoError(t, err)
		assert.True(t, st.IsValid())
	}

	_, err := ParseStatus("evicted")
	require.Error(t, err)

	var st Status
	require.Error(t, json.Unmarshal([]byte(`"sleeping"`), &st))
	require.NoError(t, json.Unmarshal([]byte(`"ready"`), &st))
	assert.Equal(t, StatusReady, st)

	_, err = json.Marshal(Status("free-form"))
	require.Error(t, err)

	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusLoading.Terminal())
}

func TestLineRing(t *testing.T) {
	r := NewLineRing(3)
	assert.Empty(t, r.LastN(5))

	r.Append("one")
	r.Append("")
	r.Append("two")
	assert.Equal(t, []string{"one", "two"}, r.LastN(5))

	r.Append("three")
	r.Append("four") // evicts "one"
	assert.Equal(t, []string{"two", "three", "four"}, r.LastN(5))
	assert.Equal(t, []string{"four"}, r.LastN(1))
}

func TestNewWorkerID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		id, err := newWorkerID()
		require.NoError(t, err)
		require.Len(t, id, 16)
		require.False(t, seen[id], "ids must not repeat")
		seen[id] = true
	}
}

func TestSpawnRequiresModelPath(t *testing.T) {
	s := newTestSupervisor(t, "TestHelperWorker")
	_, err := s.Spawn(context.Background(), "", guardrail.UserKwargs{})
	require.Error(t, err)

	_, err = s.Spawn(context.Background(), filepath.Join(t.TempDir(), "missing.gguf"), guardrail.UserKwargs{})
	require.Error(t, err)
	var abort *GuardrailAbortError
	assert.False(t, errors.As(err, &abort), "a missing file is a probe error, not a guardrail abort")
}
