// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/llamad/llamad/internal/fsutil"
	"github.com/llamad/llamad/internal/log"
)

const (
	runtimeDirName = ".runtime"
	portsFileName  = "ports.json"
	healthFileName = "health.json"

	// HealthFileInterval is how often the daemon refreshes health.json.
	HealthFileInterval = 5 * time.Second
)

// Ports is the shape of .runtime/ports.json. Sidecar tooling reads it
// to find the API after a port-0 bind.
type Ports struct {
	APIPort int `json:"api_port"`
}

// RuntimeDir returns <dataDir>/.runtime, creating it if needed.
func RuntimeDir(dataDir string) (string, error) {
	dir := filepath.Join(dataDir, runtimeDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	return dir, nil
}

// WritePorts records the bound API port. Called once the listener is
// up, before the daemon reports ready.
func WritePorts(dataDir string, apiPort int) error {
	dir, err := RuntimeDir(dataDir)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Ports{APIPort: apiPort})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, portsFileName), data)
}

// ReadPorts loads .runtime/ports.json.
func ReadPorts(dataDir string) (Ports, error) {
	var p Ports
	data, err := os.ReadFile(filepath.Join(dataDir, runtimeDirName, portsFileName))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", portsFileName, err)
	}
	return p, nil
}

// WriteHealthFile mirrors the verbose health report to
// .runtime/health.json.
func (m *Manager) WriteHealthFile(ctx context.Context, dataDir string) error {
	dir, err := RuntimeDir(dataDir)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.Health(ctx, true), "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, healthFileName), data)
}

// RunHealthFileLoop rewrites health.json on the given interval until
// ctx is done. The file is a debugging aid; write failures are logged
// and retried on the next tick.
func (m *Manager) RunHealthFileLoop(ctx context.Context, dataDir string, interval time.Duration) {
	logger := log.WithComponent("health")

	write := func() {
		if err := m.WriteHealthFile(ctx, dataDir); err != nil {
			logger.Warn().Err(err).
				Str("event", "health.file_write_failed").
				Msg("failed to write health.json")
		}
	}

	write()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}
