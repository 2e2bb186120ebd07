// SPDX-License-Identifier: MIT

// Package health answers liveness and readiness probes and mirrors the
// verbose report into <data_dir>/.runtime/health.json. Liveness is
// always 200 while the process runs. Readiness stays 503 until the
// daemon finishes booting and turns 503 again when a required
// component reports unhealthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/llamad/llamad/internal/gpu"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/supervisor"
)

// Status grades a component or the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusStarting  Status = "starting"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the liveness payload.
type Report struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	UptimeSec int64                  `json:"uptimeSec"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Readiness is the readiness payload.
type Readiness struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs the registered checkers and serves the probe endpoints.
// Register every checker before the listener starts; the slice is read
// without locking afterwards.
type Manager struct {
	version  string
	started  time.Time
	ready    atomic.Bool
	checkers []Checker
}

// NewManager creates a manager that reports the given build version.
func NewManager(version string) *Manager {
	return &Manager{
		version: version,
		started: time.Now(),
	}
}

// RegisterChecker adds a component probe.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// MarkReady flips readiness on once boot completes. Until then Ready
// reports starting without consulting any checker.
func (m *Manager) MarkReady() {
	m.ready.Store(true)
}

// Health is the liveness verdict. It is healthy as long as the process
// answers; verbose adds the per-component checks and rolls their worst
// status up.
func (m *Manager) Health(ctx context.Context, verbose bool) Report {
	resp := Report{
		Status:    StatusHealthy,
		Version:   m.version,
		UptimeSec: int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult, len(m.checkers))
		resp.Status = m.runChecks(ctx, resp.Checks)
	}

	return resp
}

// Ready is the readiness verdict. Degraded components keep the daemon
// ready; unhealthy ones take it out of rotation.
func (m *Manager) Ready(ctx context.Context) Readiness {
	resp := Readiness{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	if !m.ready.Load() {
		resp.Ready = false
		resp.Status = StatusStarting
		return resp
	}

	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	resp.Status = m.runChecks(ctx, resp.Checks)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}

	return resp
}

// runChecks fills out and returns the rolled-up status.
func (m *Manager) runChecks(ctx context.Context, out map[string]CheckResult) Status {
	status := StatusHealthy
	for _, c := range m.checkers {
		result := c.Check(ctx)
		out[c.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// ServeHealth handles GET /healthz. Always 200; ?verbose=true includes
// the component checks.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).
			Str("event", "health.encode_failed").
			Msg("failed to encode health response")
	}
}

// ServeReady handles GET /readyz.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).
			Str("event", "health.encode_failed").
			Msg("failed to encode readiness response")
	}

	if !resp.Ready {
		logger.Debug().
			Str("event", "health.not_ready").
			Str("status", string(resp.Status)).
			Msg("readiness probe failed")
	}
}

// DataDirChecker verifies the state root stays writable. Chats,
// settings and the run log all live under it.
type DataDirChecker struct {
	path string
}

func NewDataDirChecker(path string) *DataDirChecker {
	return &DataDirChecker{path: path}
}

func (c *DataDirChecker) Name() string { return "data_dir" }

func (c *DataDirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "not a directory", Message: c.path}
	}

	probe := filepath.Join(c.path, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "not writable"}
	}
	_ = os.Remove(probe)

	return CheckResult{Status: StatusHealthy, Message: c.path}
}

// SettingsChecker verifies the settings store produces an effective
// map. An empty map means every layer failed closed.
type SettingsChecker struct {
	store *settings.Store
}

func NewSettingsChecker(store *settings.Store) *SettingsChecker {
	return &SettingsChecker{store: store}
}

func (c *SettingsChecker) Name() string { return "settings" }

func (c *SettingsChecker) Check(_ context.Context) CheckResult {
	effective := c.store.Effective("")
	if len(effective) == 0 {
		return CheckResult{Status: StatusDegraded, Message: "effective settings empty"}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d top-level keys", len(effective))}
}

// ActiveWorkerSource is the slice of the supervisor the workers
// checker needs.
type ActiveWorkerSource interface {
	ActiveWorker() (*supervisor.WorkerInfo, bool)
}

// WorkersChecker reports generation capacity. A daemon with no active
// worker still serves the management API, so the result is degraded
// rather than unhealthy.
type WorkersChecker struct {
	sup ActiveWorkerSource
}

func NewWorkersChecker(sup ActiveWorkerSource) *WorkersChecker {
	return &WorkersChecker{sup: sup}
}

func (c *WorkersChecker) Name() string { return "workers" }

func (c *WorkersChecker) Check(_ context.Context) CheckResult {
	w, ok := c.sup.ActiveWorker()
	if !ok {
		return CheckResult{Status: StatusDegraded, Message: "no active worker"}
	}
	return CheckResult{Status: StatusHealthy, Message: "active worker " + w.ID}
}

// SnapshotSource yields the current system snapshot.
type SnapshotSource interface {
	Snapshot() gpu.Snapshot
}

// GPUChecker flags stale system snapshots. Spawn admission prices VRAM
// off the snapshot, so a stale one means admission runs blind.
type GPUChecker struct {
	src    SnapshotSource
	maxAge time.Duration
}

func NewGPUChecker(src SnapshotSource, maxAge time.Duration) *GPUChecker {
	return &GPUChecker{src: src, maxAge: maxAge}
}

func (c *GPUChecker) Name() string { return "gpu" }

func (c *GPUChecker) Check(_ context.Context) CheckResult {
	snap := c.src.Snapshot()
	if age := snap.Age(); age > c.maxAge {
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("snapshot %s old", age.Round(time.Second))}
	}
	if len(snap.GPUs) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no gpu detected, cpu only"}
	}
	g := snap.GPUs[0]
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("gpu0 %d/%d MiB free", g.FreeBytes>>20, g.TotalBytes>>20),
	}
}
