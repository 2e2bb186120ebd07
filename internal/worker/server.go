// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/cancel"
	"github.com/llamad/llamad/internal/engine"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server is the worker HTTP surface around one engine.
type Server struct {
	cfg    Config
	eng    engine.Engine
	flags  *cancel.Registry
	logger zerolog.Logger

	loaded       atomic.Bool
	progressBits atomic.Uint64
	progressHits atomic.Int64

	loadErrMu sync.Mutex
	loadErr   error

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	addrMu sync.Mutex
	addr   string
}

// NewServer wires the engine behind the worker routes.
func NewServer(cfg Config, eng engine.Engine, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		eng:        eng,
		flags:      cancel.NewRegistry(),
		logger:     logger.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Router builds the worker route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/generate/stream", s.handleGenerateStream)
	r.Post("/cancel/{sessionID}", s.handleCancel)
	r.Post("/shutdown", s.handleShutdown)
	return r
}

// Addr reports the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run serves until the context ends, /shutdown is called, or the
// model fails to load. The listener comes up before the model loads
// so health polling can observe the loading phase.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// Token streams stay open for minutes; no write deadline.
		WriteTimeout: 0,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	go s.loadModel(ctx)

	s.logger.Info().
		Str("event", "worker.listening").
		Str("addr", s.addr).
		Str("model", s.cfg.ModelPath).
		Msg("worker accepting requests")

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}

	shCtx, cancelSh := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelSh()
	if err := srv.Shutdown(shCtx); err != nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}
	if err := s.eng.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close engine: %w", err)
	}

	s.loadErrMu.Lock()
	if s.loadErr != nil {
		runErr = s.loadErr
	}
	s.loadErrMu.Unlock()

	s.logger.Info().Str("event", "worker.stopped").Msg("worker stopped")
	return runErr
}

// loadModel drives engine load and the health progress counters. A
// load failure takes the whole worker down so the supervisor sees a
// process exit instead of a forever-loading record.
func (s *Server) loadModel(ctx context.Context) {
	start := time.Now()
	err := s.eng.Load(ctx, func(pct float64) {
		s.progressBits.Store(math.Float64bits(pct))
		s.progressHits.Add(1)
	})
	if err != nil {
		s.logger.Error().
			Str("event", "worker.load_failed").
			Str("model", s.cfg.ModelPath).
			Err(err).
			Msg("model load failed")
		s.loadErrMu.Lock()
		s.loadErr = fmt.Errorf("load model: %w", err)
		s.loadErrMu.Unlock()
		s.triggerShutdown()
		return
	}

	s.loaded.Store(true)
	s.logger.Info().
		Str("event", "worker.model_loaded").
		Str("model", s.cfg.ModelPath).
		Dur("elapsed", time.Since(start)).
		Msg("model ready")
}

func (s *Server) triggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) progress() (pct float64, hits int64) {
	return math.Float64frombits(s.progressBits.Load()), s.progressHits.Load()
}
