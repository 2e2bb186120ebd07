// SPDX-License-Identifier: MIT

// Package daemon assembles the llamad runtime and owns its lifecycle:
// bootstrap, the HTTP listener, background loops and ordered shutdown.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/llamad/llamad/internal/api"
	"github.com/llamad/llamad/internal/cache"
	"github.com/llamad/llamad/internal/cancel"
	"github.com/llamad/llamad/internal/chat"
	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/gpu"
	"github.com/llamad/llamad/internal/health"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/model"
	"github.com/llamad/llamad/internal/ratelimit"
	"github.com/llamad/llamad/internal/retitle"
	"github.com/llamad/llamad/internal/runlog"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/stream"
	"github.com/llamad/llamad/internal/supervisor"
	"github.com/llamad/llamad/internal/telemetry"
)

const (
	// snapshotInterval is the GPU/system sampler refresh rate.
	snapshotInterval = time.Second

	// snapshotMaxAge marks the health check degraded when the sampler
	// loop has stalled.
	snapshotMaxAge = 30 * time.Second
)

// Build assembles the full daemon runtime from cfg: stores, cache,
// supervisor, stream bridge, retitle queue, telemetry, health checks
// and the HTTP manager. Shutdown hooks are registered in start order;
// the manager unwinds them LIFO.
func Build(ctx context.Context, cfg config.AppConfig) (*App, error) {
	logger := log.WithComponent("daemon")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return nil, fmt.Errorf("startup checks: %w", err)
	}

	// Telemetry first: its hook runs last, so spans emitted during the
	// teardown itself still get flushed.
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "llamad",
		ServiceVersion: cfg.Version,
		Protocol:       cfg.Telemetry.Protocol,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := settings.New(filepath.Join(cfg.DataDir, "settings"))
	if err != nil {
		return nil, fmt.Errorf("settings store: %w", err)
	}

	chats, err := chat.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("chat store: %w", err)
	}

	runPath := cfg.RunLog.Path
	if runPath == "" {
		runPath = filepath.Join(cfg.DataDir, "runlog.db")
	}
	runs, err := runlog.Open(runPath)
	if err != nil {
		return nil, fmt.Errorf("run log: %w", err)
	}

	badgerDir := cfg.Cache.BadgerDir
	if badgerDir == "" {
		badgerDir = filepath.Join(cfg.DataDir, "cache")
	}
	modelCache, err := cache.New(cache.Options{
		Backend: cfg.Cache.Backend,
		TTL:     cfg.Cache.TTL,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		},
		BadgerDir: badgerDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("model cache: %w", err)
	}

	prober := model.NewProber(modelCache, cfg.Cache.TTL, logger)
	sup := supervisor.New(cfg.Worker, st, prober, logger)

	collector := gpu.NewCollector(snapshotInterval)
	flags := cancel.NewRegistry()

	// One generation at a time: the active worker serializes decode
	// anyway, and the retitle queue must not steal slots from live
	// streams.
	sem := semaphore.NewWeighted(1)

	// The queue needs the bridge's activity tracker and the bridge
	// needs the queue; break the cycle with a late-bound closure. Both
	// sides only run after Build returns.
	var bridge *stream.Bridge
	queue := retitle.New(chats, st, sup, sem, func(sessionID string) bool {
		if bridge == nil {
			return false
		}
		return bridge.Activity().IsActive(sessionID)
	})
	bridge = stream.New(chats, st, sup, flags, queue, runs, sem)

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewDataDirChecker(cfg.DataDir))
	hm.RegisterChecker(health.NewSettingsChecker(st))
	hm.RegisterChecker(health.NewWorkersChecker(sup))
	hm.RegisterChecker(health.NewGPUChecker(collector, snapshotMaxAge))

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:        cfg.RateLimit.Enabled,
		RPM:            cfg.RateLimit.RPM,
		Burst:          cfg.RateLimit.Burst,
		SpawnPerMinute: cfg.RateLimit.SpawnPerMinute,
	})

	srv := api.New(api.Deps{
		Config:   cfg,
		Workers:  sup,
		Bridge:   bridge,
		Flags:    flags,
		Settings: st,
		Runs:     runs,
		System:   collector,
		Health:   hm,
		Limiter:  limiter,
	})

	mgr, err := NewManager(cfg.Server, Deps{
		Logger:  logger,
		Listen:  cfg.Listen,
		DataDir: cfg.DataDir,
		Handler: srv.Router(),
		Health:  hm,
	})
	if err != nil {
		return nil, err
	}

	// Start order; the manager runs these LIFO, so workers stop before
	// their stores close and telemetry flushes last.
	mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	mgr.RegisterShutdownHook("runlog", func(context.Context) error { return runs.Close() })
	mgr.RegisterShutdownHook("model_cache", func(context.Context) error { return cache.Close(modelCache) })
	mgr.RegisterShutdownHook("settings", func(context.Context) error { return st.Close() })
	mgr.RegisterShutdownHook("gpu_collector", func(context.Context) error {
		collector.Stop()
		return nil
	})
	mgr.RegisterShutdownHook("workers", func(hctx context.Context) error {
		n := sup.StopAll(hctx)
		logger.Info().Int("stopped", n).Str("event", "daemon.workers_stopped").Msg("workers stopped")
		return nil
	})

	return NewApp(logger, mgr, collector, queue, hm, cfg.DataDir), nil
}
