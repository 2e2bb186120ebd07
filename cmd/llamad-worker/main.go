// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/llamad/llamad/internal/engine"
	lllog "github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("llamad-worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	lllog.Configure(lllog.Config{
		Level:   os.Getenv("LLAMAD_LOG_LEVEL"),
		Service: "llamad-worker",
		Version: version,
	})
	logger := lllog.WithComponent("main")

	cfg, err := worker.FromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("invalid worker environment")
		os.Exit(2)
	}

	eng, err := engine.New(cfg.EngineConfig())
	if err != nil {
		logger.Error().Err(err).Msg("engine init failed")
		os.Exit(1)
	}

	// SIGTERM is the supervisor's graceful stop; the context unwinds
	// the HTTP server and closes the model.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := worker.NewServer(cfg, eng, lllog.Base())
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}
