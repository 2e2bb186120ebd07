// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"
)

// ServerConfig holds the HTTP server limits for the API listener.
//
// WriteTimeout defaults to zero: token streams stay open for minutes
// and a non-zero write timeout would sever them mid-generation.
type ServerConfig struct {
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// MaxConns caps concurrent accepted connections on the API
	// listener. Zero means unlimited.
	MaxConns int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		MaxConns:          0,
	}
}

func (s ServerConfig) validate() error {
	if s.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("read header timeout must be positive (got %s)", s.ReadHeaderTimeout)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive (got %s)", s.ShutdownTimeout)
	}
	if s.MaxHeaderBytes <= 0 {
		return fmt.Errorf("max header bytes must be positive (got %d)", s.MaxHeaderBytes)
	}
	if s.MaxConns < 0 {
		return fmt.Errorf("max conns must be >= 0 (got %d)", s.MaxConns)
	}
	return nil
}
