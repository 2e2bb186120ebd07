// SPDX-License-Identifier: MIT

// Package supervisor owns the live model-worker records: spawning
// (guardrail-planned), readiness polling, deduplication, pending-VRAM
// accounting, kill-by-path and the single active-worker selection.
// Workers are ephemeral subprocesses; nothing here survives a restart.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/gpu"
	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/metrics"
	"github.com/llamad/llamad/internal/model"
	"github.com/llamad/llamad/internal/settings"
)

const (
	// readyPollInterval paces the background /health polling of a
	// loading worker.
	readyPollInterval = 250 * time.Millisecond

	// readyProbeTimeout bounds one background health round-trip.
	readyProbeTimeout = 750 * time.Millisecond

	// listProbeTimeout bounds the opportunistic health probe List
	// runs against loading workers.
	listProbeTimeout = 250 * time.Millisecond

	// killGrace is the SIGTERM window for kill-by-path; the switch
	// means "make it gone", not "wind it down".
	killGrace = 500 * time.Millisecond

	stderrTailLines = 20
)

// WorkerInfo is a point-in-time snapshot of one supervised worker.
// Accessors return copies; the supervisor owns the live records.
type WorkerInfo struct {
	ID         string
	ModelPath  string
	Port       int
	BindHost   string
	ClientHost string
	Status     Status
	Kwargs     guardrail.LaunchKwargs
	PID        int
	StartedAt  time.Time
	// ReadyAt is zero until the first healthy probe.
	ReadyAt time.Time
}

// Addr is the dial address of the worker's HTTP surface.
func (w WorkerInfo) Addr() string {
	return net.JoinHostPort(w.ClientHost, strconv.Itoa(w.Port))
}

// Public is the API projection of a worker record.
type Public struct {
	ID        string                 `json:"id"`
	ModelPath string                 `json:"modelPath"`
	Port      int                    `json:"port"`
	Status    Status                 `json:"status"`
	PID       int                    `json:"pid"`
	Kwargs    guardrail.LaunchKwargs `json:"kwargs"`
	Active    bool                   `json:"active"`
	StartedAt time.Time              `json:"startedAt"`
	ReadyAt   *time.Time             `json:"readyAt,omitempty"`
}

// record pairs the published snapshot with the process handle and the
// termination intent flags that decide the exit metric.
type record struct {
	info WorkerInfo
	run  *runner

	stopRequested bool
	killRequested bool
	exitHandled   bool
}

// Supervisor owns the worker map, the pending-VRAM books and the
// kill-on-spawn set. All mutations go through its mutex; spawn flows
// for one model path are additionally collapsed by a singleflight
// group so a path never has two loading records.
type Supervisor struct {
	cfg    config.WorkerConfig
	store  *settings.Store
	prober *model.Prober
	logger zerolog.Logger

	// vram is swappable for tests; the default is the live probe.
	vram func(ctx context.Context) (free, total uint64)

	// binArgs precede the launch env; used by tests to re-exec the
	// test binary as the worker.
	binArgs []string

	spawnGroup singleflight.Group

	mu          sync.Mutex
	workers     map[string]*record
	pending     map[string]float64
	killOnSpawn map[string]struct{}
	activeID    string
}

// New creates a supervisor. prober may not be nil; the settings store
// feeds the guardrail planner on every spawn.
func New(cfg config.WorkerConfig, store *settings.Store, prober *model.Prober, logger zerolog.Logger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 120 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Supervisor{
		cfg:         cfg,
		store:       store,
		prober:      prober,
		logger:      logger.With().Str("component", "supervisor").Logger(),
		vram:        gpu.FreeBytesNow,
		workers:     make(map[string]*record),
		pending:     make(map[string]float64),
		killOnSpawn: make(map[string]struct{}),
	}
}

// Get returns a snapshot of one worker.
func (s *Supervisor) Get(id string) (*WorkerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, false
	}
	info := w.info
	return &info, true
}

// Addr returns the dial address for a worker's HTTP surface.
func (s *Supervisor) Addr(id string) (string, bool) {
	info, ok := s.Get(id)
	if !ok {
		return "", false
	}
	return info.Addr(), true
}

// Port returns the TCP port a worker bound.
func (s *Supervisor) Port(id string) (int, bool) {
	info, ok := s.Get(id)
	if !ok {
		return 0, false
	}
	return info.Port, true
}

// Describe returns the API projection of one worker.
func (s *Supervisor) Describe(id string) (Public, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return Public{}, false
	}
	return s.publicLocked(w), true
}

// Activate selects the generation target. Only ready workers are
// eligible.
func (s *Supervisor) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if w.info.Status != StatusReady {
		return fmt.Errorf("%w: %s is %s", ErrWorkerNotReady, id, w.info.Status)
	}
	s.activeID = id
	s.publishMetricsLocked()
	return nil
}

// ActiveWorker returns the current generation target, if one is
// selected and still ready.
func (s *Supervisor) ActiveWorker() (*WorkerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return nil, false
	}
	w, ok := s.workers[s.activeID]
	if !ok || w.info.Status != StatusReady {
		return nil, false
	}
	info := w.info
	return &info, true
}

// List refreshes worker statuses (reaps observed exits, promotes
// loading workers that answer health within a short probe) and returns
// the snapshot ordered by spawn time.
func (s *Supervisor) List(ctx context.Context) []Public {
	s.refreshStatuses(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Public, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, s.publicLocked(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stop gracefully terminates one worker: SIGTERM to the process group,
// StopGrace to comply, then SIGKILL. Idempotent; reports true iff a
// live process was actually stopped.
func (s *Supervisor) Stop(ctx context.Context, id string) bool {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok || w.info.Status == StatusStopped || w.run.exitObserved() {
		s.mu.Unlock()
		return false
	}
	w.stopRequested = true
	s.mu.Unlock()

	grace := s.cfg.StopGrace
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); rem > 0 && rem < grace {
			grace = rem
		}
	}
	_ = w.run.terminate(grace)
	s.finishExit(w)
	return true
}

// StopAll stops every live worker concurrently and reports how many
// were actually stopped.
func (s *Supervisor) StopAll(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id, w := range s.workers {
		if w.info.Status != StatusStopped {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	stopped := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if s.Stop(ctx, id) {
				mu.Lock()
				stopped++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if stopped > 0 {
		s.logger.Info().
			Str("event", "supervisor.stopped_all").
			Int("count", stopped).
			Msg("stopped all workers")
	}
	return stopped
}

// RequestKillByPath kills live workers serving modelPath (loading ones
// always, ready ones only when includeReady). When nothing matches the
// path enters the kill-on-spawn set: the next spawn for it dies right
// after creation. Idempotent.
func (s *Supervisor) RequestKillByPath(ctx context.Context, modelPath string, includeReady bool) (killed []string, queued bool) {
	modelPath = absPath(modelPath)

	s.mu.Lock()
	var targets []*record
	for _, w := range s.workers {
		if w.info.ModelPath != modelPath || w.run.exitObserved() {
			continue
		}
		switch w.info.Status {
		case StatusLoading:
			targets = append(targets, w)
		case StatusReady:
			if includeReady {
				targets = append(targets, w)
			}
		}
	}
	if len(targets) == 0 {
		s.killOnSpawn[modelPath] = struct{}{}
		s.mu.Unlock()
		s.logger.Info().
			Str("event", "supervisor.kill_queued").
			Str("model_path", modelPath).
			Msg("kill queued for next spawn")
		return nil, true
	}
	for _, w := range targets {
		w.killRequested = true
	}
	s.mu.Unlock()

	for _, w := range targets {
		_ = w.run.terminate(killGrace)
		s.finishExit(w)
		killed = append(killed, w.info.ID)
	}
	sort.Strings(killed)
	return killed, false
}

// refreshStatuses reaps exited processes and gives loading workers one
// short chance to prove readiness.
func (s *Supervisor) refreshStatuses(ctx context.Context) {
	s.mu.Lock()
	var exited, probes []*record
	for _, w := range s.workers {
		if w.info.Status == StatusStopped {
			continue
		}
		if w.run.exitObserved() {
			exited = append(exited, w)
			continue
		}
		if w.info.Status == StatusLoading {
			probes = append(probes, w)
		}
	}
	s.mu.Unlock()

	for _, w := range exited {
		s.finishExit(w)
	}

	if len(probes) == 0 {
		return
	}
	client := &http.Client{Timeout: listProbeTimeout}
	var wg sync.WaitGroup
	for _, w := range probes {
		wg.Add(1)
		go func(w *record) {
			defer wg.Done()
			if probeHealth(ctx, client, w.info.Addr()) {
				s.markReady(w)
			}
		}(w)
	}
	wg.Wait()
}

// markReady flips a loading worker to ready, releases its pending VRAM
// and auto-activates it when nothing else is selected.
func (s *Supervisor) markReady(w *record) {
	s.mu.Lock()
	if w.info.Status != StatusLoading {
		s.mu.Unlock()
		return
	}
	w.info.Status = StatusReady
	w.info.ReadyAt = time.Now()
	delete(s.pending, w.info.ID)
	if s.activeID == "" {
		s.activeID = w.info.ID
	}
	s.publishMetricsLocked()
	active := s.activeID == w.info.ID
	s.mu.Unlock()

	s.logger.Info().
		Str("event", "supervisor.worker_ready").
		Str("worker_id", w.info.ID).
		Str("model_path", w.info.ModelPath).
		Int("port", w.info.Port).
		Bool("active", active).
		Msg("worker ready")
}

// finishExit records a terminal transition exactly once: status, books,
// active-worker promotion and the exit metric.
func (s *Supervisor) finishExit(w *record) {
	s.mu.Lock()
	if w.exitHandled {
		s.mu.Unlock()
		return
	}
	w.exitHandled = true
	prev := w.info.Status
	w.info.Status = StatusStopped
	delete(s.pending, w.info.ID)
	if s.activeID == w.info.ID {
		s.activeID = s.oldestReadyLocked()
	}
	reason := exitReason(w, prev)
	s.publishMetricsLocked()
	s.mu.Unlock()

	metrics.IncWorkerExit(reason)

	ev := s.logger.Info()
	if reason == "load_failed" {
		ev = s.logger.Warn().Strs("stderr", w.run.lastStderr(stderrTailLines))
	}
	ev.Str("event", "supervisor.worker_exit").
		Str("worker_id", w.info.ID).
		Str("model_path", w.info.ModelPath).
		Str("reason", reason).
		AnErr("exit_error", w.run.exitError()).
		Msg("worker exited")
}

// exitReason classifies a terminal transition for the exit metric.
func exitReason(w *record, prev Status) string {
	switch {
	case w.killRequested:
		return "killed"
	case w.stopRequested:
		return "stopped"
	case prev == StatusLoading:
		return "load_failed"
	default:
		return "exit"
	}
}

// oldestReadyLocked picks the promotion candidate when the active
// worker goes away: the ready worker that has been ready the longest.
func (s *Supervisor) oldestReadyLocked() string {
	var oldest string
	var oldestAt time.Time
	for id, w := range s.workers {
		if w.info.Status != StatusReady {
			continue
		}
		if oldest == "" || w.info.ReadyAt.Before(oldestAt) {
			oldest = id
			oldestAt = w.info.ReadyAt
		}
	}
	return oldest
}

func (s *Supervisor) publicLocked(w *record) Public {
	p := Public{
		ID:        w.info.ID,
		ModelPath: w.info.ModelPath,
		Port:      w.info.Port,
		Status:    w.info.Status,
		PID:       w.info.PID,
		Kwargs:    w.info.Kwargs,
		Active:    s.activeID == w.info.ID,
		StartedAt: w.info.StartedAt,
	}
	if !w.info.ReadyAt.IsZero() {
		readyAt := w.info.ReadyAt
		p.ReadyAt = &readyAt
	}
	return p
}

// pendingSumLocked sums the VRAM projections of loading workers.
func (s *Supervisor) pendingSumLocked() float64 {
	sum := 0.0
	for _, gb := range s.pending {
		sum += gb
	}
	return sum
}

// publishMetricsLocked pushes the per-status counts, the pending VRAM
// sum and the active-worker flag.
func (s *Supervisor) publishMetricsLocked() {
	counts := map[string]int{
		string(StatusLoading): 0,
		string(StatusReady):   0,
		string(StatusStopped): 0,
	}
	for _, w := range s.workers {
		counts[string(w.info.Status)]++
	}
	metrics.SetWorkers(counts)
	metrics.SetPendingVRAM(s.pendingSumLocked())
	metrics.SetActiveWorker(s.activeID != "")
}

// probeHealth asks a worker's /health once and reports ok=true.
func probeHealth(ctx context.Context, client *http.Client, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.OK
}
