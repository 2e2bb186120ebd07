// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/metrics"
	"github.com/llamad/llamad/internal/worker"
)

// Spawn launches a worker for modelPath, or returns the one already
// loading it. The guardrail planner decides the launch kwargs; an
// abort comes back as *GuardrailAbortError with no subprocess started.
// Concurrent spawns for one path collapse into a single flight, so the
// path never carries two loading records.
func (s *Supervisor) Spawn(ctx context.Context, modelPath string, user guardrail.UserKwargs) (*WorkerInfo, error) {
	if modelPath == "" {
		return nil, errors.New("model path required")
	}
	modelPath = absPath(modelPath)

	// The flight runs under the first caller's ctx; coalesced callers
	// share its outcome.
	v, err, _ := s.spawnGroup.Do(modelPath, func() (any, error) {
		return s.spawnOne(ctx, modelPath, user)
	})
	if err != nil {
		return nil, err
	}
	return v.(*WorkerInfo), nil
}

func (s *Supervisor) spawnOne(ctx context.Context, modelPath string, user guardrail.UserKwargs) (*WorkerInfo, error) {
	// Dedup: an in-flight load for this path is the caller's worker.
	s.mu.Lock()
	for _, w := range s.workers {
		if w.info.ModelPath == modelPath && w.info.Status == StatusLoading && !w.run.exitObserved() {
			info := w.info
			s.mu.Unlock()
			s.logger.Debug().
				Str("event", "supervisor.spawn_dedup").
				Str("worker_id", info.ID).
				Str("model_path", modelPath).
				Msg("reusing loading worker")
			return &info, nil
		}
	}
	pendingGB := s.pendingSumLocked()
	s.mu.Unlock()

	meta, err := s.prober.Probe(ctx, modelPath)
	if err != nil {
		return nil, fmt.Errorf("probe model: %w", err)
	}

	free, total := s.vram(ctx)

	plan := guardrail.Plan(guardrail.PlanInput{
		ModelPath:      modelPath,
		ModelSizeBytes: meta.SizeBytes,
		TotalLayers:    meta.TotalLayers,
		User:           user,
		Defaults:       guardrail.DefaultsFromSettings(s.store, ""),
		Policy:         guardrail.PolicyFromSettings(s.store, ""),
		FreeBytes:      free,
		TotalBytes:     total,
		PendingGB:      pendingGB,
	})
	metrics.IncSpawn(plan.Decision.String())

	if plan.Decision.IsAbort() {
		s.logger.Warn().
			Str("event", "supervisor.guardrail_abort").
			Str("model_path", modelPath).
			Str("decision", plan.Decision.String()).
			Float64("proj_gb", plan.Diag.ProjGB).
			Float64("budget_gb", plan.Diag.BudgetGB).
			Msg("spawn refused by guardrail")
		return nil, &GuardrailAbortError{
			ModelPath: modelPath,
			Incoming:  user,
			Resolved:  plan.Kwargs,
			Env:       plan.Env,
			VRAMProj:  plan.Diag,
		}
	}

	port, err := reservePort(s.cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("reserve worker port: %w", err)
	}
	id, err := newWorkerID()
	if err != nil {
		return nil, fmt.Errorf("worker id: %w", err)
	}

	env := launchEnv(os.Environ(), plan, modelPath, id, s.cfg.Host, port)
	run, err := startWorkerProcess(s.binPath(), s.binArgs, env)
	if err != nil {
		return nil, fmt.Errorf("launch worker: %w", err)
	}

	info := WorkerInfo{
		ID:         id,
		ModelPath:  modelPath,
		Port:       port,
		BindHost:   s.cfg.Host,
		ClientHost: s.cfg.Host,
		Status:     StatusLoading,
		Kwargs:     plan.Kwargs,
		PID:        run.pid(),
		StartedAt:  time.Now(),
	}

	s.mu.Lock()
	w := &record{info: info, run: run}
	s.workers[id] = w
	s.pending[id] = plan.Diag.ProjGB
	_, killNow := s.killOnSpawn[modelPath]
	if killNow {
		delete(s.killOnSpawn, modelPath)
		w.killRequested = true
	}
	s.publishMetricsLocked()
	s.mu.Unlock()

	s.logger.Info().
		Str("event", "supervisor.worker_spawned").
		Str("worker_id", id).
		Str("model_path", modelPath).
		Int("pid", info.PID).
		Int("port", port).
		Str("decision", plan.Decision.String()).
		Float64("proj_gb", plan.Diag.ProjGB).
		Msg("worker spawned")

	if killNow {
		// A kill was queued for this path before it had a worker: the
		// record dies right after creation and is not kept around.
		_ = run.terminate(killGrace)
		s.finishExit(w)
		s.mu.Lock()
		delete(s.workers, id)
		s.publishMetricsLocked()
		s.mu.Unlock()
		info.Status = StatusStopped
		out := info
		return &out, nil
	}

	go s.watchExit(w)
	go s.pollReady(w)

	out := info
	return &out, nil
}

// watchExit turns an observed process exit into bookkeeping.
func (s *Supervisor) watchExit(w *record) {
	<-w.run.done
	s.finishExit(w)
}

// pollReady polls /health until the worker answers ok, the process
// exits, or the spawn deadline passes. On deadline the record stays
// loading; callers can observe and kill it.
func (s *Supervisor) pollReady(w *record) {
	deadline := time.Now().Add(s.cfg.SpawnTimeout)
	client := &http.Client{Timeout: readyProbeTimeout}
	addr := w.info.Addr()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.run.done:
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			s.logger.Warn().
				Str("event", "supervisor.ready_deadline").
				Str("worker_id", w.info.ID).
				Str("model_path", w.info.ModelPath).
				Dur("waited", s.cfg.SpawnTimeout).
				Strs("stderr", w.run.lastStderr(stderrTailLines)).
				Msg("worker did not become ready in time")
			return
		}
		if probeHealth(context.Background(), client, addr) {
			s.markReady(w)
			return
		}
	}
}

// binPath resolves the worker binary: explicit config, the sibling of
// the daemon executable, then PATH.
func (s *Supervisor) binPath() string {
	if s.cfg.Bin != "" {
		return s.cfg.Bin
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "llamad-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "llamad-worker"
}

// reservePort asks the kernel for a free port on host. The listener is
// closed right away; the worker re-binds it on startup.
func reservePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// newWorkerID returns 8 crypto/rand bytes, hex encoded.
func newWorkerID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// launchEnv assembles the worker environment: the parent env, the
// planner's accelerator patch, the full kwargs JSON and the mirrored
// numeric knobs. Later entries win on duplicates, so the contract
// overrides anything inherited.
func launchEnv(base []string, plan guardrail.PlanResult, modelPath, id, host string, port int) []string {
	kw := plan.Kwargs
	kwJSON, _ := json.Marshal(kw)

	env := append([]string(nil), base...)
	add := func(k, v string) { env = append(env, k+"="+v) }

	for k, v := range plan.Env {
		add(k, v)
	}
	add(worker.EnvModelPath, modelPath)
	add(worker.EnvKwargsJSON, string(kwJSON))
	add(worker.EnvNCtx, strconv.Itoa(kw.NCtx))
	add(worker.EnvNBatch, strconv.Itoa(kw.NBatch))
	add(worker.EnvNThreads, strconv.Itoa(kw.NThreads))
	add(worker.EnvNGPULayers, strconv.Itoa(kw.NGPULayers))
	if kw.RopeFreqBase > 0 {
		add("ROPE_FREQ_BASE", strconv.FormatFloat(kw.RopeFreqBase, 'f', -1, 64))
	}
	if kw.RopeFreqScale > 0 {
		add("ROPE_FREQ_SCALE", strconv.FormatFloat(kw.RopeFreqScale, 'f', -1, 64))
	}
	add(worker.EnvWorkerID, id)
	add(worker.EnvWorkerHost, host)
	add(worker.EnvWorkerPort, strconv.Itoa(port))
	return env
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
