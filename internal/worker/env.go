// SPDX-License-Identifier: MIT

// Package worker implements the model worker subprocess: one loaded
// model behind a small HTTP surface (/health, /generate/stream,
// /cancel/{id}, /shutdown). The supervisor launches one worker per
// model and speaks to it over loopback.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/engine"
	"github.com/llamad/llamad/internal/guardrail"
)

// Environment keys in the launch contract between supervisor and
// worker. LLAMA_KWARGS_JSON carries the full plan; the numeric knobs
// are mirrored individually so a worker can be started by hand.
const (
	EnvModelPath  = "MODEL_PATH"
	EnvKwargsJSON = "LLAMA_KWARGS_JSON"
	EnvAccel      = "LLAMA_ACCEL"
	EnvNCtx       = "N_CTX"
	EnvNBatch     = "N_BATCH"
	EnvNThreads   = "N_THREADS"
	EnvNGPULayers = "N_GPU_LAYERS"
	EnvWorkerID   = "WORKER_ID"
	EnvWorkerHost = "WORKER_HOST"
	EnvWorkerPort = "WORKER_PORT"

	// Built-in engine pacing, exposed for tests and demos.
	EnvTokenDelay = "LLAMAD_BUILTIN_TOKEN_DELAY"
	EnvLoadDelay  = "LLAMAD_BUILTIN_LOAD_DELAY"
)

// Config is the decoded worker launch environment.
type Config struct {
	ID        string
	Host      string
	Port      int
	ModelPath string
	Kwargs    guardrail.LaunchKwargs

	TokenDelay time.Duration
	LoadDelay  time.Duration
}

// launchEnvelope mirrors LLAMA_KWARGS_JSON with presence-aware fields
// and tolerates the alternate offload_kqv spelling for kv_offload.
type launchEnvelope struct {
	NCtx          *int     `json:"n_ctx"`
	NBatch        *int     `json:"n_batch"`
	NThreads      *int     `json:"n_threads"`
	NGPULayers    *int     `json:"n_gpu_layers"`
	KVOffload     *bool    `json:"kv_offload"`
	OffloadKQV    *bool    `json:"offload_kqv"`
	RopeFreqBase  *float64 `json:"rope_freq_base"`
	RopeFreqScale *float64 `json:"rope_freq_scale"`
	Device        *int     `json:"device"`
	Accel         *string  `json:"accel"`
}

// FromEnv decodes the launch contract. Precedence for each knob:
// LLAMA_KWARGS_JSON, then the mirrored env var, then the default.
func FromEnv() (Config, error) {
	cfg := Config{
		ID:         config.ParseString(EnvWorkerID, "standalone"),
		Host:       config.ParseString(EnvWorkerHost, "127.0.0.1"),
		Port:       config.ParseInt(EnvWorkerPort, 8100),
		ModelPath:  os.Getenv(EnvModelPath),
		TokenDelay: config.ParseDuration(EnvTokenDelay, 0),
		LoadDelay:  config.ParseDuration(EnvLoadDelay, 0),
	}
	if cfg.ModelPath == "" {
		return Config{}, fmt.Errorf("%s is required", EnvModelPath)
	}

	var env launchEnvelope
	if raw := os.Getenv(EnvKwargsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvKwargsJSON, err)
		}
	}

	kw := guardrail.LaunchKwargs{
		NCtx:       pickInt(env.NCtx, EnvNCtx, 4096),
		NBatch:     pickInt(env.NBatch, EnvNBatch, 512),
		NThreads:   pickInt(env.NThreads, EnvNThreads, 0),
		NGPULayers: pickInt(env.NGPULayers, EnvNGPULayers, 0),
		KVOffload:  true,
	}
	switch {
	case env.KVOffload != nil:
		kw.KVOffload = *env.KVOffload
	case env.OffloadKQV != nil:
		kw.KVOffload = *env.OffloadKQV
	}
	if env.RopeFreqBase != nil {
		kw.RopeFreqBase = *env.RopeFreqBase
	}
	if env.RopeFreqScale != nil {
		kw.RopeFreqScale = *env.RopeFreqScale
	}
	if env.Device != nil {
		kw.Device = *env.Device
	}

	accel := config.ParseString(EnvAccel, "auto")
	if env.Accel != nil && *env.Accel != "" {
		accel = *env.Accel
	}
	kw.Accel = guardrail.NormalizeAccel(accel)

	cfg.Kwargs = kw
	return cfg, nil
}

// EngineConfig maps the decoded launch contract onto the runtime.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		ModelPath:  c.ModelPath,
		NCtx:       c.Kwargs.NCtx,
		NBatch:     c.Kwargs.NBatch,
		NThreads:   c.Kwargs.NThreads,
		NGPULayers: c.Kwargs.NGPULayers,
		KVOffload:  c.Kwargs.KVOffload,
		Accel:      string(c.Kwargs.Accel),
		TokenDelay: c.TokenDelay,
		LoadDelay:  c.LoadDelay,
	}
}

func pickInt(fromJSON *int, envKey string, def int) int {
	if fromJSON != nil {
		return *fromJSON
	}
	return config.ParseInt(envKey, def)
}
