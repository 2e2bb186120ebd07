// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/log"
)

// PerformStartupChecks validates the environment before the daemon
// binds its listener. Hard failures abort startup; a missing worker
// binary only warns, spawns will fail until one is installed.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup")
	logger.Info().Msg("running pre-flight checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.Listen); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkCacheDir(logger, cfg); err != nil {
		return fmt.Errorf("cache directory check failed: %w", err)
	}
	checkWorkerBinary(logger, cfg.Worker)
	warnVolatileDataDir(logger, cfg.DataDir)

	logger.Info().Msg("pre-flight checks passed")
	return nil
}

// checkDataDir ensures the state root exists and is writable. The
// daemon owns this directory and creates it on first run.
func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	probe := filepath.Join(path, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(probe)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

// checkCacheDir pre-creates the badger directory so the first open
// does not race daemon bootstrap.
func checkCacheDir(logger zerolog.Logger, cfg config.AppConfig) error {
	if !strings.EqualFold(cfg.Cache.Backend, "badger") {
		return nil
	}
	dir := cfg.Cache.BadgerDir
	if dir == "" {
		dir = filepath.Join(cfg.DataDir, "cache")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	logger.Info().Str("path", dir).Msg("cache directory is ready")
	return nil
}

// checkWorkerBinary mirrors the supervisor's resolution order: explicit
// config, sibling of the daemon executable, PATH.
func checkWorkerBinary(logger zerolog.Logger, cfg config.WorkerConfig) {
	if cfg.Bin != "" {
		if info, err := os.Stat(cfg.Bin); err != nil || info.IsDir() {
			logger.Warn().Str("bin", cfg.Bin).
				Msg("configured worker binary not found; spawns will fail until it is installed")
			return
		}
		logger.Info().Str("bin", cfg.Bin).Msg("worker binary found")
		return
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "llamad-worker")
		if _, err := os.Stat(sibling); err == nil {
			logger.Info().Str("bin", sibling).Msg("worker binary found")
			return
		}
	}
	if path, err := exec.LookPath("llamad-worker"); err == nil {
		logger.Info().Str("bin", path).Msg("worker binary found")
		return
	}

	logger.Warn().Msg("llamad-worker not found; spawns will fail until it is installed")
}

// warnVolatileDataDir flags a state root under the OS temp directory.
// Chats and the run log would not survive a reboot there.
func warnVolatileDataDir(logger zerolog.Logger, dataDir string) {
	tempDir := filepath.Clean(os.TempDir())
	clean := filepath.Clean(dataDir)
	if tempDir != "." && (clean == tempDir || strings.HasPrefix(clean, tempDir+string(filepath.Separator))) {
		logger.Warn().Str("data_dir", dataDir).
			Msg("data directory is under temp; state may be lost on reboot")
	}
}
