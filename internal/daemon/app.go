// SPDX-License-Identifier: MIT

package daemon

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/llamad/llamad/internal/gpu"
	"github.com/llamad/llamad/internal/health"
	"github.com/llamad/llamad/internal/retitle"
)

// App owns the long-lived background subsystems (GPU sampling, retitle
// queue, health file refresh) and delegates server lifecycle to
// Manager.
type App struct {
	logger    zerolog.Logger
	manager   Manager
	collector *gpu.Collector
	retitle   *retitle.Queue
	health    *health.Manager
	dataDir   string
}

// NewApp creates the daemon orchestrator. collector, retitle and hm
// may be nil; dataDir empty disables the health file loop.
func NewApp(logger zerolog.Logger, manager Manager, collector *gpu.Collector, queue *retitle.Queue, hm *health.Manager, dataDir string) *App {
	return &App{
		logger:    logger,
		manager:   manager,
		collector: collector,
		retitle:   queue,
		health:    hm,
		dataDir:   dataDir,
	}
}

// Run starts all owned background loops and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Warmup sample plus background refresh; the collector's stop hook
	// is registered by Build.
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.retitle != nil {
		// The queue gets its own cancel so the drain hook can stop it
		// during a server-error shutdown, where the run context is
		// still live while hooks execute.
		queueCtx, stopQueue := context.WithCancel(ctx)
		queueDone := make(chan struct{})
		g.Go(func() error {
			defer close(queueDone)
			a.retitle.Run(queueCtx)
			return nil
		})
		a.manager.RegisterShutdownHook("retitle_drain", func(hctx context.Context) error {
			stopQueue()
			select {
			case <-queueDone:
				return nil
			case <-hctx.Done():
				return hctx.Err()
			}
		})
	}

	if a.health != nil && a.dataDir != "" {
		g.Go(func() error {
			a.health.RunHealthFileLoop(ctx, a.dataDir, health.HealthFileInterval)
			return nil
		})
	}

	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			// Bind failures skip Start's own shutdown path; unwind the
			// hooks so Build's resources are still released.
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}
