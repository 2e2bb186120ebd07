// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of the optional config file. All fields
// are pointers so that merging can distinguish "absent" from "zero".
type FileConfig struct {
	DataDir  *string `yaml:"data_dir"`
	Listen   *string `yaml:"listen"`
	LogLevel *string `yaml:"log_level"`

	Worker *struct {
		Bin          *string `yaml:"bin"`
		Host         *string `yaml:"host"`
		SpawnTimeout *string `yaml:"spawn_timeout"`
		StopGrace    *string `yaml:"stop_grace"`
	} `yaml:"worker"`

	Server *struct {
		ReadTimeout       *string `yaml:"read_timeout"`
		ReadHeaderTimeout *string `yaml:"read_header_timeout"`
		WriteTimeout      *string `yaml:"write_timeout"`
		IdleTimeout       *string `yaml:"idle_timeout"`
		ShutdownTimeout   *string `yaml:"shutdown_timeout"`
		MaxHeaderBytes    *int    `yaml:"max_header_bytes"`
		MaxConns          *int    `yaml:"max_conns"`
	} `yaml:"server"`

	Metrics *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Telemetry *struct {
		Enabled     *bool    `yaml:"enabled"`
		Endpoint    *string  `yaml:"endpoint"`
		Protocol    *string  `yaml:"protocol"`
		Insecure    *bool    `yaml:"insecure"`
		SampleRatio *float64 `yaml:"sample_ratio"`
	} `yaml:"telemetry"`

	Cache *struct {
		Backend       *string `yaml:"backend"`
		TTL           *string `yaml:"ttl"`
		RedisAddr     *string `yaml:"redis_addr"`
		RedisPassword *string `yaml:"redis_password"`
		RedisDB       *int    `yaml:"redis_db"`
		BadgerDir     *string `yaml:"badger_dir"`
	} `yaml:"cache"`

	RateLimit *struct {
		Enabled        *bool `yaml:"enabled"`
		RPM            *int  `yaml:"rpm"`
		Burst          *int  `yaml:"burst"`
		SpawnPerMinute *int  `yaml:"spawn_per_minute"`
	} `yaml:"rate_limit"`

	RunLog *struct {
		Path *string `yaml:"path"`
	} `yaml:"run_log"`

	CORS *struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// LoadFileConfig parses a YAML config file in strict mode without
// applying defaults or env overrides.
func LoadFileConfig(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- config file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	// Reject multi-document files and trailing content.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}
