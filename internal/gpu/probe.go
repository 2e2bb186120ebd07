// SPDX-License-Identifier: MIT

// Package gpu probes VRAM and maintains a background system snapshot.
// Probes are best-effort: every failure path degrades to (0, 0) and
// the guardrail planner owns the policy for an unavailable probe.
package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/llamad/llamad/internal/log"
)

// VRAMSource reports free/total VRAM bytes for GPU 0. A native engine
// build registers one at init; without it the CLI fallbacks apply.
type VRAMSource interface {
	FreeTotal(ctx context.Context) (free, total uint64, err error)
}

var (
	sourceMu sync.RWMutex
	source   VRAMSource
)

// RegisterVRAMSource installs the vendor-library probe. The last
// registration wins.
func RegisterVRAMSource(s VRAMSource) {
	sourceMu.Lock()
	source = s
	sourceMu.Unlock()
}

func registeredSource() VRAMSource {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return source
}

// probeTimeout bounds a single probe including CLI subprocesses.
const probeTimeout = 2500 * time.Millisecond

// FreeBytesNow returns free/total VRAM bytes for GPU 0. Order: the
// registered vendor source, nvidia-smi, rocm-smi, then (0, 0). Never
// returns an error and never blocks past the probe timeout.
func FreeBytesNow(ctx context.Context) (free, total uint64) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if s := registeredSource(); s != nil {
		if f, t, err := s.FreeTotal(ctx); err == nil && t > 0 {
			return f, t
		}
	}

	if f, t, ok := nvidiaSMI(ctx); ok {
		return f, t
	}
	if f, t, ok := rocmSMI(ctx); ok {
		return f, t
	}
	return 0, 0
}

const mib = 1024 * 1024

func nvidiaSMI(ctx context.Context) (free, total uint64, ok bool) {
	bin, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return 0, 0, false
	}
	out, err := exec.CommandContext(ctx, bin,
		"--query-gpu=memory.free,memory.total",
		"--format=csv,noheader,nounits",
		"-i", "0",
	).Output()
	if err != nil {
		logger := log.WithComponent("gpu")
		logger.Debug().Err(err).
			Str("event", "gpu.nvidia_smi_failed").
			Msg("nvidia-smi probe failed")
		return 0, 0, false
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI parses "free, total" in MiB, e.g. "8000, 24576".
func parseNvidiaSMI(out string) (free, total uint64, ok bool) {
	line := firstLine(out)
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	f, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	t, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil || t == 0 {
		return 0, 0, false
	}
	return f * mib, t * mib, true
}

func rocmSMI(ctx context.Context) (free, total uint64, ok bool) {
	bin, err := exec.LookPath("rocm-smi")
	if err != nil {
		return 0, 0, false
	}
	out, err := exec.CommandContext(ctx, bin, "--showmeminfo", "vram", "--csv").Output()
	if err != nil {
		logger := log.WithComponent("gpu")
		logger.Debug().Err(err).
			Str("event", "gpu.rocm_smi_failed").
			Msg("rocm-smi probe failed")
		return 0, 0, false
	}
	return parseRocmSMI(string(out))
}

// parseRocmSMI parses the CSV form
// "device,VRAM Total Memory (B),VRAM Total Used Memory (B)" followed
// by "card0,<total>,<used>". Values are bytes.
func parseRocmSMI(out string) (free, total uint64, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "card") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		t, err1 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		u, err2 := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
		if err1 != nil || err2 != nil || t == 0 {
			continue
		}
		if u > t {
			u = t
		}
		return t - u, t, true
	}
	return 0, 0, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
