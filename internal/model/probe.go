// SPDX-License-Identifier: MIT

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/cache"
)

// Info is the probed metadata for one model file. TotalLayers 0 means
// the layer count could not be determined; the planner substitutes its
// own default.
type Info struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"sizeBytes"`
	Format       string `json:"format"`
	GGUFVersion  uint32 `json:"ggufVersion,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	TotalLayers  int    `json:"totalLayers"`
}

// Identifier is the short model name used in run trailers and worker
// listings: the file name without its extension.
func Identifier(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

const (
	// FormatGGUF marks files whose header parsed as GGUF.
	FormatGGUF = "gguf"
	// FormatUnknown marks files probed size-only.
	FormatUnknown = "unknown"
)

// Prober probes model files, memoizing results in a cache keyed by
// path, size, and mtime so unchanged files are read once.
type Prober struct {
	cache  cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewProber builds a Prober on top of the given cache. A nil cache is
// replaced with a no-op one.
func NewProber(c cache.Cache, ttl time.Duration, logger zerolog.Logger) *Prober {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Prober{cache: c, ttl: ttl, logger: logger.With().Str("component", "model").Logger()}
}

// Probe stats and, for GGUF files, parses the model at path. A file
// that exists but is not GGUF yields size-only Info with no error;
// only a missing or unreadable file fails.
func (p *Prober) Probe(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat model: %w", err)
	}

	key := modelCacheKey(path, st.Size(), st.ModTime().UnixNano())
	if v, ok := p.cache.Get(key); ok {
		if info, ok := coerceInfo(v); ok {
			return info, nil
		}
	}

	info := probeFile(path, st.Size())
	if info.Format == FormatUnknown {
		p.logger.Debug().
			Str("event", "model.foreign_format").
			Str("path", path).
			Int64("size_bytes", info.SizeBytes).
			Msg("model is not GGUF, probing size only")
	}

	p.cache.Set(key, info, p.ttl)
	return info, nil
}

// modelCacheKey keys probe results by identity and freshness so a
// replaced file never serves stale metadata.
func modelCacheKey(path string, size, mtimeNano int64) string {
	return fmt.Sprintf("model:%s|%d|%d", path, size, mtimeNano)
}

func probeFile(path string, size int64) Info {
	info := Info{Path: path, SizeBytes: size, Format: FormatUnknown}

	f, err := os.Open(path)
	if err != nil {
		return info
	}
	defer f.Close()

	meta, err := parseGGUF(f)
	if err != nil {
		// Partial GGUF parses still carry a usable layer count;
		// a bad magic means not GGUF at all.
		if meta.Version == 0 {
			return info
		}
	}
	info.Format = FormatGGUF
	info.GGUFVersion = meta.Version
	info.Architecture = meta.Architecture
	info.TotalLayers = meta.BlockCount
	return info
}

// coerceInfo accepts either a stored Info (memory backend) or the
// map[string]any a JSON round-trip through redis or badger produces.
func coerceInfo(v any) (Info, bool) {
	switch t := v.(type) {
	case Info:
		return t, true
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return Info{}, false
		}
		var info Info
		if err := json.Unmarshal(raw, &info); err != nil {
			return Info{}, false
		}
		return info, info.Path != ""
	default:
		return Info{}, false
	}
}
