// SPDX-License-Identifier: MIT

// Package metrics holds the daemon-wide Prometheus instruments.
// HTTP-level metrics live in the API middleware; these cover the
// supervisor, the streaming bridge, and the background queues.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	spawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llamad_spawn_total",
		Help: "Worker spawn attempts by planner decision",
	}, []string{"decision"})

	workerExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llamad_worker_exits_total",
		Help: "Worker process exits by reason",
	}, []string{"reason"}) // reason=exit|stopped|killed|load_failed

	workersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llamad_workers",
		Help: "Supervised worker records by status",
	}, []string{"status"})

	pendingVRAMGB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llamad_pending_vram_gb",
		Help: "Summed VRAM projection of workers still loading (GiB)",
	})

	activeWorker = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llamad_active_worker",
		Help: "1 while a worker is selected for generation",
	})

	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llamad_stream_duration_seconds",
		Help:    "Wall time of generation streams by stop reason",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"stop_reason"})

	streamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llamad_stream_bytes_total",
		Help: "Token bytes relayed to clients",
	})

	streamQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llamad_stream_queue_depth",
		Help: "Chunks currently buffered between producer and consumer",
	})

	cancelRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llamad_cancel_requests_total",
		Help: "Explicit cancel requests received",
	})

	retitleJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llamad_retitle_jobs_total",
		Help: "Retitle jobs by outcome",
	}, []string{"outcome"}) // outcome=done|skipped|failed|dropped

	rateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llamad_ratelimit_rejected_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"scope"}) // scope=global|per_ip|spawn

	procSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llamad_proc_signals_total",
		Help: "Signals delivered to worker process groups",
	}, []string{"signal", "outcome"}) // outcome=sent|error

	procWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llamad_proc_waits_total",
		Help: "Worker process wait results during termination",
	}, []string{"outcome"}) // outcome=exit0|exit_nonzero|forced_exit0|forced_error
)

// IncSpawn records one spawn attempt with its planner decision.
func IncSpawn(decision string) {
	spawnTotal.WithLabelValues(decision).Inc()
}

// IncWorkerExit records a worker leaving the live set.
func IncWorkerExit(reason string) {
	workerExitsTotal.WithLabelValues(reason).Inc()
}

// SetWorkers publishes the per-status worker counts.
func SetWorkers(counts map[string]int) {
	for status, n := range counts {
		workersByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetPendingVRAM publishes the loading-worker VRAM projection sum.
func SetPendingVRAM(gb float64) {
	pendingVRAMGB.Set(gb)
}

// SetActiveWorker publishes whether a generation target is selected.
func SetActiveWorker(selected bool) {
	if selected {
		activeWorker.Set(1)
	} else {
		activeWorker.Set(0)
	}
}

// ObserveStream records a finished stream.
func ObserveStream(stopReason string, seconds float64) {
	streamDuration.WithLabelValues(stopReason).Observe(seconds)
}

// AddStreamBytes counts bytes relayed to a client.
func AddStreamBytes(n int) {
	if n > 0 {
		streamBytesTotal.Add(float64(n))
	}
}

// SetStreamQueueDepth publishes the producer/consumer buffer depth.
func SetStreamQueueDepth(n int) {
	streamQueueDepth.Set(float64(n))
}

// IncCancelRequests counts an explicit cancel call.
func IncCancelRequests() {
	cancelRequestsTotal.Inc()
}

// IncRetitle records a retitle job outcome.
func IncRetitle(outcome string) {
	retitleJobsTotal.WithLabelValues(outcome).Inc()
}

// IncRateLimitRejected counts a rejected request per limiter scope.
func IncRateLimitRejected(scope string) {
	rateLimitRejectedTotal.WithLabelValues(scope).Inc()
}

// IncProcSignal counts a signal delivery to a worker process group.
func IncProcSignal(signal, outcome string) {
	procSignalsTotal.WithLabelValues(signal, outcome).Inc()
}

// IncProcWait counts the wait result of a terminating worker.
func IncProcWait(outcome string) {
	procWaitsTotal.WithLabelValues(outcome).Inc()
}
