// SPDX-License-Identifier: MIT

package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/llamad/llamad/internal/log"
)

var (
	vramFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamad",
		Name:      "gpu_vram_free_bytes",
		Help:      "Free VRAM on GPU 0 as of the last snapshot",
	})
	vramTotalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamad",
		Name:      "gpu_vram_total_bytes",
		Help:      "Total VRAM on GPU 0 as of the last snapshot",
	})
)

// GPU is one device row in a snapshot.
type GPU struct {
	Index      int    `json:"index"`
	FreeBytes  uint64 `json:"freeBytes"`
	TotalBytes uint64 `json:"totalBytes"`
}

// Snapshot is a point-in-time system state copy.
type Snapshot struct {
	CPULogical   int       `json:"cpuLogical"`
	CPUPhysical  int       `json:"cpuPhysical"`
	RAMTotal     uint64    `json:"ramTotal"`
	RAMAvailable uint64    `json:"ramAvailable"`
	GPUs         []GPU     `json:"gpus"`
	TakenAt      time.Time `json:"takenAt"`
}

// Age reports how stale the snapshot is.
func (s Snapshot) Age() time.Duration {
	if s.TakenAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(s.TakenAt)
}

// Collector refreshes a Snapshot in the background.
type Collector struct {
	interval time.Duration

	mu   sync.RWMutex
	snap Snapshot

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCollector creates a collector with the given refresh interval.
// Zero or negative means one second.
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	return &Collector{
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start takes one warmup sample synchronously, then refreshes in the
// background until Stop.
func (c *Collector) Start(ctx context.Context) {
	c.store(c.sample(ctx))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.store(c.sample(ctx))
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Collector) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// Snapshot returns the latest sample.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snap
	snap.GPUs = append([]GPU(nil), c.snap.GPUs...)
	return snap
}

func (c *Collector) store(snap Snapshot) {
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

func (c *Collector) sample(ctx context.Context) Snapshot {
	snap := Snapshot{TakenAt: time.Now()}

	logger := log.WithComponent("gpu")
	if n, err := cpu.Counts(true); err == nil {
		snap.CPULogical = n
	} else {
		logger.Debug().Err(err).Str("event", "gpu.cpu_count_failed").Msg("logical cpu count failed")
	}
	if n, err := cpu.Counts(false); err == nil {
		snap.CPUPhysical = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMTotal = vm.Total
		snap.RAMAvailable = vm.Available
	} else {
		logger.Debug().Err(err).Str("event", "gpu.mem_probe_failed").Msg("memory probe failed")
	}

	free, total := FreeBytesNow(ctx)
	if total > 0 {
		snap.GPUs = []GPU{{Index: 0, FreeBytes: free, TotalBytes: total}}
	}
	vramFreeBytes.Set(float64(free))
	vramTotalBytes.Set(float64(total))

	return snap
}
