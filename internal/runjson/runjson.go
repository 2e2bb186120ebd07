// SPDX-License-Identifier: MIT

// Package runjson defines the telemetry trailer appended to every
// generation stream. The trailer is a single JSON object between the
// literal sentinels so that naive consumers can split on exact line
// matches.
package runjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// StartSentinel opens the trailer block. Always on a line of
	// its own.
	StartSentinel = "<RUNJSON_START>"

	// EndSentinel closes the trailer block.
	EndSentinel = "<RUNJSON_END>"

	// StopBanner is the optional visible terminator appended after
	// the trailer when a stream ends through user cancellation.
	StopBanner = "⏹ stopped"
)

// Stop reasons carried in Stats.StopReason.
const (
	StopReasonEOS    = "eosFound"
	StopReasonCancel = "user_cancel"
	StopReasonError  = "error"

	// FinishPrefix prefixes engine finish reasons, e.g.
	// "finish:length".
	FinishPrefix = "finish:"
)

// Field is one key/value row in a config block.
type Field struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Config is an ordered field list snapshotting a configuration.
type Config struct {
	Fields []Field `json:"fields"`
}

// EngineTimings are native engine measurements when available.
type EngineTimings struct {
	PromptN     int     `json:"prompt_n"`
	PromptMS    float64 `json:"prompt_ms"`
	PredictedN  int     `json:"predicted_n"`
	PredictedMS float64 `json:"predicted_ms"`
}

// Timings nests the engine block; it stays null when the runtime
// reports none.
type Timings struct {
	Engine *EngineTimings `json:"engine"`
}

// Stats is the measurement block of a trailer.
type Stats struct {
	StopReason           string         `json:"stopReason"`
	TokensPerSecond      *float64       `json:"tokensPerSecond"`
	TimeToFirstTokenSec  float64        `json:"timeToFirstTokenSec"`
	TotalTimeSec         float64        `json:"totalTimeSec"`
	PromptTokensCount    *int           `json:"promptTokensCount"`
	PredictedTokensCount int            `json:"predictedTokensCount"`
	TotalTokensCount     *int           `json:"totalTokensCount"`
	Budget               map[string]any `json:"budget"`
	Timings              Timings        `json:"timings"`
	Error                *string        `json:"error"`
}

// Trailer is the full telemetry object.
type Trailer struct {
	IndexedModelIdentifier string `json:"indexedModelIdentifier"`
	Identifier             string `json:"identifier"`
	LoadModelConfig        Config `json:"loadModelConfig"`
	PredictionConfig       Config `json:"predictionConfig"`
	Stats                  Stats  `json:"stats"`
}

// Encode renders the on-wire trailer block:
// "\n<RUNJSON_START>\n<json>\n<RUNJSON_END>\n".
func Encode(t Trailer) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal trailer: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 2*len(StartSentinel) + 8)
	buf.WriteByte('\n')
	buf.WriteString(StartSentinel)
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte('\n')
	buf.WriteString(EndSentinel)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Banner renders the visible stop terminator line.
func Banner() []byte {
	return []byte("\n" + StopBanner + "\n")
}

// Extract splits a finished stream payload into the visible text and
// the parsed trailer. Payloads without sentinels return all bytes as
// text and a nil trailer. The optional stop banner after the trailer
// is dropped.
func Extract(raw []byte) (text []byte, trailer *Trailer, err error) {
	start := bytes.Index(raw, []byte(StartSentinel))
	if start < 0 {
		return trimBanner(raw), nil, nil
	}

	text = raw[:start]
	// The sentinel is preceded by a framing newline that is not
	// part of the visible text.
	text = bytes.TrimSuffix(text, []byte("\n"))

	rest := raw[start+len(StartSentinel):]
	end := bytes.Index(rest, []byte(EndSentinel))
	if end < 0 {
		return text, nil, fmt.Errorf("unterminated trailer: %s without %s", StartSentinel, EndSentinel)
	}

	body := bytes.TrimSpace(rest[:end])
	var t Trailer
	if err := json.Unmarshal(body, &t); err != nil {
		return text, nil, fmt.Errorf("parse trailer: %w", err)
	}
	return text, &t, nil
}

func trimBanner(raw []byte) []byte {
	trimmed := bytes.TrimRight(raw, "\n")
	if bytes.HasSuffix(trimmed, []byte(StopBanner)) {
		trimmed = bytes.TrimSuffix(trimmed, []byte(StopBanner))
		trimmed = bytes.TrimRight(trimmed, "\n")
	}
	return trimmed
}
