// SPDX-License-Identifier: MIT

// Package engine abstracts the inference runtime behind the worker.
// A native runtime registers itself at init; without one the built-in
// deterministic engine serves, which is what tests and CI run on.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
)

// ErrContextOverflow is returned before any token is produced when
// prompt plus requested output cannot fit the context window. Its
// message carries the "exceed context window" phrase upstream clients
// match on.
var ErrContextOverflow = errors.New("requested tokens exceed context window")

// ErrNotLoaded is returned by Generate before Load completed.
var ErrNotLoaded = errors.New("model not loaded")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("engine closed")

// Config is the launch configuration decoded from the worker
// environment.
type Config struct {
	ModelPath  string
	NCtx       int
	NBatch     int
	NThreads   int
	NGPULayers int
	KVOffload  bool
	Accel      string

	// Built-in engine pacing. TokenDelay spaces out emitted tokens,
	// LoadDelay stretches Load so health polling sees a loading
	// phase. Zero values use defaults; tests set them near zero.
	TokenDelay time.Duration
	LoadDelay  time.Duration
}

// Request is one generation call.
type Request struct {
	SessionID   string
	Messages    []prompt.Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// Result summarizes a finished (or cancelled) generation.
type Result struct {
	Text            string
	StopReason      string
	PromptTokens    int
	PredictedTokens int
	// Timings is nil when the runtime does not measure them.
	Timings *runjson.EngineTimings
}

// Engine is the runtime contract. Generate streams deltas through
// emit and serializes callers internally: one generation at a time.
type Engine interface {
	// Load opens the model, reporting progress in [0,1].
	Load(ctx context.Context, onProgress func(pct float64)) error
	// Generate streams the completion. Cancellation via ctx ends the
	// stream cleanly with StopReason "user_cancel" and a nil error.
	Generate(ctx context.Context, req Request, emit func(delta string) error) (Result, error)
	Close() error
}

// runtimeFactory builds a native engine; nil means none linked.
var runtimeFactory func(Config) (Engine, error)

// RegisterRuntime installs a native runtime factory. Last
// registration wins; called from init in runtime-specific builds.
func RegisterRuntime(f func(Config) (Engine, error)) {
	runtimeFactory = f
}

// New returns the registered native runtime when present, otherwise
// the built-in deterministic engine.
func New(cfg Config) (Engine, error) {
	if runtimeFactory != nil {
		return runtimeFactory(cfg)
	}
	return newBuiltin(cfg), nil
}
