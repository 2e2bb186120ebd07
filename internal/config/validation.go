// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net"
	"strings"
)

var validCacheBackends = map[string]bool{
	"memory": true,
	"redis":  true,
	"badger": true,
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
}

var validTelemetryProtocols = map[string]bool{
	"grpc": true,
	"http": true,
}

// Validate checks a resolved AppConfig for internal consistency.
func Validate(cfg AppConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	if cfg.Worker.Host == "" {
		return fmt.Errorf("worker host must not be empty")
	}
	if cfg.Worker.SpawnTimeout <= 0 {
		return fmt.Errorf("worker spawn timeout must be positive (got %s)", cfg.Worker.SpawnTimeout)
	}
	if cfg.Worker.StopGrace <= 0 {
		return fmt.Errorf("worker stop grace must be positive (got %s)", cfg.Worker.StopGrace)
	}

	if err := cfg.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if !validCacheBackends[cfg.Cache.Backend] {
		return fmt.Errorf("invalid cache backend %q (memory, redis or badger)", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("cache backend redis requires a redis address")
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive (got %s)", cfg.Cache.TTL)
	}

	if cfg.Telemetry.Enabled {
		if !validTelemetryProtocols[cfg.Telemetry.Protocol] {
			return fmt.Errorf("invalid telemetry protocol %q (grpc or http)", cfg.Telemetry.Protocol)
		}
		if cfg.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry enabled without an endpoint")
		}
		if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample ratio must be within [0,1] (got %g)", cfg.Telemetry.SampleRatio)
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RPM <= 0 {
			return fmt.Errorf("rate limit rpm must be positive (got %d)", cfg.RateLimit.RPM)
		}
		if cfg.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive (got %d)", cfg.RateLimit.Burst)
		}
		if cfg.RateLimit.SpawnPerMinute <= 0 {
			return fmt.Errorf("spawn rate limit must be positive (got %d)", cfg.RateLimit.SpawnPerMinute)
		}
	}

	return nil
}
