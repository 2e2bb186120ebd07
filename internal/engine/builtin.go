// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
)

// Built-in engine tuning. The response length scales with the prompt
// vocabulary so short prompts still stream long enough for
// cancellation to land mid-generation.
const (
	builtinTokenDelay  = 15 * time.Millisecond
	builtinLoadDelay   = 500 * time.Millisecond
	builtinLoadStages  = 5
	builtinMinResponse = 32
	builtinMaxResponse = 256
	builtinPassFactor  = 3
	defaultMaxTokens   = 256
)

// builtin is a deterministic echo engine: it streams the words of the
// last user message cyclically, one token per word. Output depends
// only on the request, which is what the end-to-end scenarios need.
type builtin struct {
	cfg Config

	mu     sync.Mutex // one generation at a time
	state  sync.Mutex
	loaded bool
	closed bool
}

func newBuiltin(cfg Config) *builtin {
	if cfg.NCtx <= 0 {
		cfg.NCtx = 4096
	}
	if cfg.TokenDelay <= 0 {
		cfg.TokenDelay = builtinTokenDelay
	}
	if cfg.LoadDelay < 0 {
		cfg.LoadDelay = 0
	} else if cfg.LoadDelay == 0 {
		cfg.LoadDelay = builtinLoadDelay
	}
	return &builtin{cfg: cfg}
}

func (b *builtin) Load(ctx context.Context, onProgress func(pct float64)) error {
	if _, err := os.Stat(b.cfg.ModelPath); err != nil {
		return fmt.Errorf("open model: %w", err)
	}

	step := b.cfg.LoadDelay / builtinLoadStages
	for i := 1; i <= builtinLoadStages; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
		if onProgress != nil {
			onProgress(float64(i) / builtinLoadStages)
		}
	}

	b.state.Lock()
	b.loaded = true
	b.state.Unlock()
	return nil
}

func (b *builtin) Close() error {
	b.state.Lock()
	defer b.state.Unlock()
	b.closed = true
	b.loaded = false
	return nil
}

func (b *builtin) ready() error {
	b.state.Lock()
	defer b.state.Unlock()
	if b.closed {
		return ErrClosed
	}
	if !b.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (b *builtin) Generate(ctx context.Context, req Request, emit func(delta string) error) (Result, error) {
	if err := b.ready(); err != nil {
		return Result{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	promptTokens := prompt.EstimateConversationTokens(req.Messages)
	if promptTokens+maxTokens > b.cfg.NCtx {
		return Result{}, fmt.Errorf("requested tokens (%d) exceed context window of %d: %w",
			promptTokens+maxTokens, b.cfg.NCtx, ErrContextOverflow)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pool := wordPool(req.Messages)
	natural := clampInt(len(pool)*builtinPassFactor, builtinMinResponse, builtinMaxResponse)
	want := natural
	stopReason := runjson.StopReasonEOS
	if maxTokens < natural {
		want = maxTokens
		stopReason = runjson.FinishPrefix + "length"
	}

	start := time.Now()
	var firstToken time.Time
	var out strings.Builder
	produced := 0

gen:
	for i := 0; i < want; i++ {
		select {
		case <-ctx.Done():
			stopReason = runjson.StopReasonCancel
			break gen
		case <-time.After(b.cfg.TokenDelay):
		}

		token := pool[i%len(pool)]
		if i > 0 {
			token = " " + token
		}
		if firstToken.IsZero() {
			firstToken = time.Now()
		}
		if hit, trimmed := matchStop(out.String(), token, req.Stop); hit {
			if trimmed != "" {
				if err := emit(trimmed); err != nil {
					return Result{}, fmt.Errorf("emit token: %w", err)
				}
				out.WriteString(trimmed)
				produced++
			}
			stopReason = runjson.FinishPrefix + "stop"
			break gen
		}
		if err := emit(token); err != nil {
			return Result{}, fmt.Errorf("emit token: %w", err)
		}
		out.WriteString(token)
		produced++
	}

	end := time.Now()
	if firstToken.IsZero() {
		firstToken = end
	}
	res := Result{
		Text:            out.String(),
		StopReason:      stopReason,
		PromptTokens:    promptTokens,
		PredictedTokens: produced,
		Timings: &runjson.EngineTimings{
			PromptN:     promptTokens,
			PromptMS:    float64(firstToken.Sub(start).Microseconds()) / 1000,
			PredictedN:  produced,
			PredictedMS: float64(end.Sub(firstToken).Microseconds()) / 1000,
		},
	}
	return res, nil
}

// wordPool derives the deterministic vocabulary from the newest user
// message, falling back through any message to a fixed token.
func wordPool(msgs []prompt.Message) []string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		if fields := strings.Fields(msgs[i].Content); len(fields) > 0 {
			return fields
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if fields := strings.Fields(msgs[i].Content); len(fields) > 0 {
			return fields
		}
	}
	return []string{"okay"}
}

// matchStop checks whether appending token crosses a stop sequence.
// trimmed is the part of token before the stop match, possibly empty.
func matchStop(sofar, token string, stops []string) (bool, string) {
	if len(stops) == 0 {
		return false, ""
	}
	next := sofar + token
	for _, s := range stops {
		if s == "" {
			continue
		}
		idx := strings.Index(next, s)
		if idx < 0 {
			continue
		}
		if idx >= len(sofar) {
			return true, token[:idx-len(sofar)]
		}
		return true, ""
	}
	return false, ""
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
