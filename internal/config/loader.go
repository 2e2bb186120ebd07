// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Loader resolves configuration with the precedence ENV > file >
// defaults and validates the result.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a loader. configPath may be empty (no file).
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (AppConfig, error) {
	// Fail fast on env keys that no longer exist.
	if err := CheckRemovedEnv(); err != nil {
		return AppConfig{}, err
	}

	cfg := defaults()

	if l.configPath != "" {
		fileCfg, err := LoadFileConfig(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge config file: %w", err)
		}
	}

	mergeEnvConfig(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		DataDir:  "./data",
		Listen:   "127.0.0.1:8090",
		LogLevel: "info",
		Worker: WorkerConfig{
			Bin:          "",
			Host:         "127.0.0.1",
			SpawnTimeout: 120 * time.Second,
			StopGrace:    10 * time.Second,
		},
		Server:  defaultServerConfig(),
		Metrics: MetricsConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRatio: 1.0,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     15 * time.Minute,
			RedisDB: 0,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RPM:            600,
			Burst:          60,
			SpawnPerMinute: 30,
		},
	}
}

func mergeFileConfig(cfg *AppConfig, f *FileConfig) error {
	if f == nil {
		return nil
	}

	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDur := func(dst *time.Duration, src *string, field string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field, err)
		}
		*dst = d
		return nil
	}

	setStr(&cfg.DataDir, f.DataDir)
	setStr(&cfg.Listen, f.Listen)
	setStr(&cfg.LogLevel, f.LogLevel)

	if f.Worker != nil {
		setStr(&cfg.Worker.Bin, f.Worker.Bin)
		setStr(&cfg.Worker.Host, f.Worker.Host)
		if err := setDur(&cfg.Worker.SpawnTimeout, f.Worker.SpawnTimeout, "worker.spawn_timeout"); err != nil {
			return err
		}
		if err := setDur(&cfg.Worker.StopGrace, f.Worker.StopGrace, "worker.stop_grace"); err != nil {
			return err
		}
	}

	if f.Server != nil {
		if err := setDur(&cfg.Server.ReadTimeout, f.Server.ReadTimeout, "server.read_timeout"); err != nil {
			return err
		}
		if err := setDur(&cfg.Server.ReadHeaderTimeout, f.Server.ReadHeaderTimeout, "server.read_header_timeout"); err != nil {
			return err
		}
		if err := setDur(&cfg.Server.WriteTimeout, f.Server.WriteTimeout, "server.write_timeout"); err != nil {
			return err
		}
		if err := setDur(&cfg.Server.IdleTimeout, f.Server.IdleTimeout, "server.idle_timeout"); err != nil {
			return err
		}
		if err := setDur(&cfg.Server.ShutdownTimeout, f.Server.ShutdownTimeout, "server.shutdown_timeout"); err != nil {
			return err
		}
		setInt(&cfg.Server.MaxHeaderBytes, f.Server.MaxHeaderBytes)
		setInt(&cfg.Server.MaxConns, f.Server.MaxConns)
	}

	if f.Metrics != nil {
		setBool(&cfg.Metrics.Enabled, f.Metrics.Enabled)
	}

	if f.Telemetry != nil {
		setBool(&cfg.Telemetry.Enabled, f.Telemetry.Enabled)
		setStr(&cfg.Telemetry.Endpoint, f.Telemetry.Endpoint)
		setStr(&cfg.Telemetry.Protocol, f.Telemetry.Protocol)
		setBool(&cfg.Telemetry.Insecure, f.Telemetry.Insecure)
		if f.Telemetry.SampleRatio != nil {
			cfg.Telemetry.SampleRatio = *f.Telemetry.SampleRatio
		}
	}

	if f.Cache != nil {
		setStr(&cfg.Cache.Backend, f.Cache.Backend)
		if err := setDur(&cfg.Cache.TTL, f.Cache.TTL, "cache.ttl"); err != nil {
			return err
		}
		setStr(&cfg.Cache.RedisAddr, f.Cache.RedisAddr)
		setStr(&cfg.Cache.RedisPassword, f.Cache.RedisPassword)
		setInt(&cfg.Cache.RedisDB, f.Cache.RedisDB)
		setStr(&cfg.Cache.BadgerDir, f.Cache.BadgerDir)
	}

	if f.RateLimit != nil {
		setBool(&cfg.RateLimit.Enabled, f.RateLimit.Enabled)
		setInt(&cfg.RateLimit.RPM, f.RateLimit.RPM)
		setInt(&cfg.RateLimit.Burst, f.RateLimit.Burst)
		setInt(&cfg.RateLimit.SpawnPerMinute, f.RateLimit.SpawnPerMinute)
	}

	if f.RunLog != nil {
		setStr(&cfg.RunLog.Path, f.RunLog.Path)
	}

	if f.CORS != nil && len(f.CORS.AllowedOrigins) > 0 {
		cfg.CORS.AllowedOrigins = append([]string(nil), f.CORS.AllowedOrigins...)
	}

	return nil
}

func mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = ParseString("LLAMAD_DATA", cfg.DataDir)
	cfg.Listen = ParseString("LLAMAD_LISTEN", cfg.Listen)
	cfg.LogLevel = ParseString("LLAMAD_LOG_LEVEL", cfg.LogLevel)

	cfg.Worker.Bin = ParseString("LLAMAD_WORKER_BIN", cfg.Worker.Bin)
	cfg.Worker.Host = ParseString("LLAMAD_WORKER_HOST", cfg.Worker.Host)
	cfg.Worker.SpawnTimeout = ParseDuration("LLAMAD_SPAWN_TIMEOUT", cfg.Worker.SpawnTimeout)
	cfg.Worker.StopGrace = ParseDuration("LLAMAD_STOP_GRACE", cfg.Worker.StopGrace)

	cfg.Server.ReadTimeout = ParseDuration("LLAMAD_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.ReadHeaderTimeout = ParseDuration("LLAMAD_READ_HEADER_TIMEOUT", cfg.Server.ReadHeaderTimeout)
	cfg.Server.WriteTimeout = ParseDuration("LLAMAD_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = ParseDuration("LLAMAD_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = ParseDuration("LLAMAD_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.MaxHeaderBytes = ParseInt("LLAMAD_MAX_HEADER_BYTES", cfg.Server.MaxHeaderBytes)
	cfg.Server.MaxConns = ParseInt("LLAMAD_MAX_CONNS", cfg.Server.MaxConns)

	cfg.Metrics.Enabled = ParseBool("LLAMAD_METRICS_ENABLED", cfg.Metrics.Enabled)

	cfg.Telemetry.Enabled = ParseBool("LLAMAD_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = ParseString("LLAMAD_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Protocol = ParseString("LLAMAD_OTEL_PROTOCOL", cfg.Telemetry.Protocol)
	cfg.Telemetry.Insecure = ParseBool("LLAMAD_OTEL_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.SampleRatio = ParseFloat("LLAMAD_OTEL_SAMPLE_RATIO", cfg.Telemetry.SampleRatio)

	cfg.Cache.Backend = ParseString("LLAMAD_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.TTL = ParseDuration("LLAMAD_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.RedisAddr = ParseString("LLAMAD_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = ParseString("LLAMAD_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = ParseInt("LLAMAD_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.BadgerDir = ParseString("LLAMAD_CACHE_DIR", cfg.Cache.BadgerDir)

	cfg.RateLimit.Enabled = ParseBool("LLAMAD_RATELIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RPM = ParseInt("LLAMAD_RATELIMIT_RPM", cfg.RateLimit.RPM)
	cfg.RateLimit.Burst = ParseInt("LLAMAD_RATELIMIT_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.SpawnPerMinute = ParseInt("LLAMAD_RATELIMIT_SPAWN_PER_MINUTE", cfg.RateLimit.SpawnPerMinute)

	cfg.RunLog.Path = ParseString("LLAMAD_RUNLOG_PATH", cfg.RunLog.Path)

	cfg.CORS.AllowedOrigins = ParseStringSlice("LLAMAD_CORS_ORIGINS", cfg.CORS.AllowedOrigins)
}
