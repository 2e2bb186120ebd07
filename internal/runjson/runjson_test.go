// SPDX-License-Identifier: MIT

package runjson

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func sampleTrailer() Trailer {
	tps := 42.5
	prompt := 128
	total := 160
	return Trailer{
		IndexedModelIdentifier: "/models/llama-8b.gguf",
		Identifier:             "llama-8b.gguf",
		LoadModelConfig: Config{Fields: []Field{
			{Key: "n_ctx", Value: 4096},
			{Key: "n_gpu_layers", Value: 32},
		}},
		PredictionConfig: Config{Fields: []Field{
			{Key: "max_tokens", Value: 256},
		}},
		Stats: Stats{
			StopReason:           StopReasonEOS,
			TokensPerSecond:      &tps,
			TimeToFirstTokenSec:  0.21,
			TotalTimeSec:         3.8,
			PromptTokensCount:    &prompt,
			PredictedTokensCount: 32,
			TotalTokensCount:     &total,
			Budget:               map[string]any{"out_budget": 256},
		},
	}
}

func TestEncodeFraming(t *testing.T) {
	out, err := Encode(sampleTrailer())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	s := string(out)
	if !strings.HasPrefix(s, "\n"+StartSentinel+"\n") {
		t.Errorf("missing start framing: %q", s[:40])
	}
	if !strings.HasSuffix(s, "\n"+EndSentinel+"\n") {
		t.Errorf("missing end framing: %q", s[len(s)-40:])
	}
	if strings.Count(s, EndSentinel) != 1 {
		t.Error("end sentinel must appear exactly once")
	}
}

func TestEncodeNullsForAbsentMeasurements(t *testing.T) {
	tr := sampleTrailer()
	tr.Stats.TokensPerSecond = nil
	tr.Stats.PromptTokensCount = nil
	tr.Stats.Timings.Engine = nil

	out, err := Encode(tr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	body := bytes.TrimSuffix(bytes.TrimPrefix(out, []byte("\n"+StartSentinel+"\n")), []byte("\n"+EndSentinel+"\n"))

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("trailer body is not JSON: %v", err)
	}
	stats := m["stats"].(map[string]any)
	if v, present := stats["tokensPerSecond"]; !present || v != nil {
		t.Errorf("tokensPerSecond = %v, want explicit null", v)
	}
	timings := stats["timings"].(map[string]any)
	if v, present := timings["engine"]; !present || v != nil {
		t.Errorf("timings.engine = %v, want explicit null", v)
	}
}

func TestExtractRoundTrip(t *testing.T) {
	enc, err := Encode(sampleTrailer())
	if err != nil {
		t.Fatal(err)
	}
	raw := append([]byte("Hello world"), enc...)

	text, tr, err := Extract(raw)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if string(text) != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if tr == nil {
		t.Fatal("trailer missing")
	}
	if tr.Stats.StopReason != StopReasonEOS {
		t.Errorf("StopReason = %q", tr.Stats.StopReason)
	}
	if tr.Stats.PredictedTokensCount != 32 {
		t.Errorf("PredictedTokensCount = %d", tr.Stats.PredictedTokensCount)
	}
}

func TestExtractWithStopBanner(t *testing.T) {
	enc, err := Encode(sampleTrailer())
	if err != nil {
		t.Fatal(err)
	}
	raw := append([]byte("partial answer"), enc...)
	raw = append(raw, Banner()...)

	text, tr, err := Extract(raw)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if string(text) != "partial answer" {
		t.Errorf("text = %q", text)
	}
	if tr == nil {
		t.Fatal("trailer missing with banner present")
	}
}

func TestExtractNoTrailer(t *testing.T) {
	text, tr, err := Extract([]byte("just some text\n"))
	if err != nil || tr != nil {
		t.Fatalf("Extract = (%v, %v), want plain text passthrough", tr, err)
	}
	if string(text) != "just some text" {
		t.Errorf("text = %q", text)
	}
}

func TestExtractUnterminated(t *testing.T) {
	raw := []byte("text\n" + StartSentinel + "\n{\"truncated\":true")
	text, _, err := Extract(raw)
	if err == nil {
		t.Fatal("Extract accepted an unterminated trailer")
	}
	if string(text) != "text" {
		t.Errorf("text = %q, want the visible prefix preserved", text)
	}
}

func TestExtractBannerOnlyText(t *testing.T) {
	text, _, err := Extract([]byte("answer\n" + StopBanner + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "answer" {
		t.Errorf("text = %q, want banner stripped", text)
	}
}
