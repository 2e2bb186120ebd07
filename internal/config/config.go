// SPDX-License-Identifier: MIT

// Package config loads the static daemon configuration with the
// precedence ENV > file > defaults. Dynamic serving settings (worker
// defaults, guardrail policy, stream tuning) live in the settings
// store and are not part of this package.
package config

import (
	"time"
)

// AppConfig is the resolved static configuration of the daemon.
type AppConfig struct {
	// DataDir is the root for all persisted state: settings.json,
	// chats, run log, caches and the .runtime directory.
	DataDir string

	// Listen is the API listen address, host:port or :port.
	Listen string

	LogLevel string
	Version  string

	Worker    WorkerConfig
	Server    ServerConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	RunLog    RunLogConfig
	CORS      CORSConfig
}

// WorkerConfig controls how model worker subprocesses are launched.
type WorkerConfig struct {
	// Bin is the worker binary path. Empty means "llamad-worker"
	// resolved next to the daemon binary, falling back to PATH.
	Bin string

	// Host is the address workers bind their HTTP surface to.
	// Workers are loopback-only unless explicitly overridden.
	Host string

	// SpawnTimeout bounds the wait for a worker to report ready.
	SpawnTimeout time.Duration

	// StopGrace is how long a worker gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// TelemetryConfig controls the OpenTelemetry trace exporter.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" or "http"
	Insecure    bool
	SampleRatio float64
}

// CacheConfig selects the model-metadata cache backend.
type CacheConfig struct {
	// Backend is one of "memory", "redis", "badger".
	Backend string
	TTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// BadgerDir is the on-disk cache location. Empty means
	// <DataDir>/cache.
	BadgerDir string
}

// RateLimitConfig caps the request rate on the public API.
type RateLimitConfig struct {
	Enabled bool
	// RPM is the global requests-per-minute ceiling.
	RPM   int
	Burst int
	// SpawnPerMinute caps worker spawn operations separately.
	SpawnPerMinute int
}

// RunLogConfig locates the run-history database.
type RunLogConfig struct {
	// Path of the SQLite file. Empty means <DataDir>/runlog.db.
	Path string
}

// CORSConfig lists allowed browser origins. Empty disables CORS
// headers entirely.
type CORSConfig struct {
	AllowedOrigins []string
}
