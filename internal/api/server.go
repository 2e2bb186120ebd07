// SPDX-License-Identifier: MIT

// Package api is the daemon's public HTTP surface: worker lifecycle,
// chat streaming, cancel flags, settings, system state and run
// history. Errors leave as RFC 7807 problem bodies; every response
// carries the request id.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/cancel"
	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/gpu"
	"github.com/llamad/llamad/internal/guardrail"
	"github.com/llamad/llamad/internal/health"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/ratelimit"
	"github.com/llamad/llamad/internal/runlog"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/stream"
	"github.com/llamad/llamad/internal/supervisor"
)

// WorkerManager is the slice of the supervisor the handlers need.
type WorkerManager interface {
	Spawn(ctx context.Context, modelPath string, user guardrail.UserKwargs) (*supervisor.WorkerInfo, error)
	List(ctx context.Context) []supervisor.Public
	Describe(id string) (supervisor.Public, bool)
	Activate(id string) error
	Stop(ctx context.Context, id string) bool
	StopAll(ctx context.Context) int
	RequestKillByPath(ctx context.Context, modelPath string, includeReady bool) (killed []string, queued bool)
}

// Streamer runs one generation against the active worker, writing the
// stream straight to the client.
type Streamer interface {
	Run(w http.ResponseWriter, r *http.Request, req stream.Request) error
}

// RunSource reads recent generation records.
type RunSource interface {
	Recent(ctx context.Context, limit int) ([]runlog.Run, error)
}

// SystemSource yields the current system snapshot.
type SystemSource interface {
	Snapshot() gpu.Snapshot
}

// Deps carries everything the server serves. Runs may be nil when the
// run log is disabled.
type Deps struct {
	Config   config.AppConfig
	Workers  WorkerManager
	Bridge   Streamer
	Flags    *cancel.Registry
	Settings *settings.Store
	Runs     RunSource
	System   SystemSource
	Health   *health.Manager
	Limiter  *ratelimit.Limiter
}

// Server holds the handler state. Construct with New, mount Router.
type Server struct {
	cfg      config.AppConfig
	workers  WorkerManager
	bridge   Streamer
	flags    *cancel.Registry
	settings *settings.Store
	runs     RunSource
	system   SystemSource
	health   *health.Manager
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
}

// New wires the server. A nil Limiter disables the per-route buckets.
func New(deps Deps) *Server {
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Enabled: false})
	}
	return &Server{
		cfg:      deps.Config,
		workers:  deps.Workers,
		bridge:   deps.Bridge,
		flags:    deps.Flags,
		settings: deps.Settings,
		runs:     deps.Runs,
		system:   deps.System,
		health:   deps.Health,
		limiter:  limiter,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack:
// Recoverer, RequestID, CORS, security headers, metrics, tracing,
// logging, then the global rate ceiling.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(cors(s.cfg.CORS.AllowedOrigins))
	r.Use(securityHeaders)
	if s.cfg.Metrics.Enabled {
		r.Use(httpMetrics)
	}
	if s.cfg.Telemetry.Enabled {
		r.Use(tracing("llamad.api"))
	}
	r.Use(log.Middleware())
	if s.cfg.RateLimit.Enabled {
		r.Use(rateCeiling(s.cfg.RateLimit.RPM))
	}

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// Per-IP buckets guard the routes that cost real work.
	perIP := s.limiter.Middleware(s.rejectRateLimited)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleWorkerList)
			r.With(perIP).Post("/", s.handleWorkerSpawn)
			r.Delete("/", s.handleWorkerStopAll)
			r.Post("/kill", s.handleWorkerKill)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleWorkerGet)
				r.Delete("/", s.handleWorkerStop)
				r.Post("/activate", s.handleWorkerActivate)
			})
		})

		r.With(perIP).Post("/chat/stream", s.handleChatStream)
		r.Post("/cancel/{sessionId}", s.handleCancel)

		r.Get("/settings", s.handleSettingsGet)
		r.Patch("/settings", s.handleSettingsPatch)
		r.Put("/settings", s.handleSettingsPut)

		r.Get("/system", s.handleSystem)
		r.Get("/runs", s.handleRuns)
	})

	return r
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	writeProblem(w, r, http.StatusTooManyRequests, "rate_limited", "request budget exhausted, slow down")
}
