// SPDX-License-Identifier: MIT

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/model"
	"github.com/llamad/llamad/internal/prompt"
	"github.com/llamad/llamad/internal/runjson"
	"github.com/llamad/llamad/internal/worker"
)

const (
	// overflowRetryFloor is the smallest max_tokens the single
	// context-overflow retry will ask for.
	overflowRetryFloor = 64

	cancelPostTimeout = time.Second

	// trailerReadLimit bounds the buffered tail once the trailer
	// sentinel shows up.
	trailerReadLimit = 1 << 20

	errorChunkPrefix = "[error] "
)

type itemKind int

const (
	itemText itemKind = iota
	itemTrailer
)

// streamItem is one unit through the producer/consumer channel.
type streamItem struct {
	kind itemKind
	data []byte
	// synthetic marks bridge-generated text (the error chunk), which
	// bypasses the post-cancel token suppression and is never
	// persisted as assistant output.
	synthetic bool
}

// producer owns the worker round-trip for one stream. All fields are
// touched only by the producer goroutine; the consumer reads them
// after it observed the channel close.
type producer struct {
	client *http.Client
	logger zerolog.Logger
	job    streamJob
	start  time.Time

	text          strings.Builder
	ttft          time.Time
	workerTrailer *runjson.Trailer
	composed      *runjson.Trailer
	upstreamErr   string
	errChunkSent  bool
	stopReason    string
	attemptTokens int
}

func newProducer(b *Bridge, job streamJob, start time.Time) *producer {
	return &producer{
		client: b.client,
		logger: b.logger,
		job:    job,
		start:  start,
	}
}

func (p *producer) visibleText() string { return p.text.String() }

// composedTrailer is the trailer as seen by the client; nil when the
// stream ended before one was built.
func (p *producer) composedTrailer() *runjson.Trailer { return p.composed }

// finalStopReason covers early exits: a producer halted by a broken
// consumer never reached finishOut and has no recorded reason.
func (p *producer) finalStopReason() string {
	if p.stopReason != "" {
		return p.stopReason
	}
	if p.job.flag.IsSet() {
		return runjson.StopReasonCancel
	}
	return runjson.StopReasonError
}

// run streams the worker response into out. It always tries to finish
// with a trailer item and closes out when done; a closed stop channel
// aborts any blocked send.
func (p *producer) run(ctx context.Context, out chan<- streamItem, stop <-chan struct{}) {
	defer close(out)

	p.attemptTokens = p.job.outBudget
	resp, overflow, err := p.post(ctx, p.attemptTokens)
	if overflow {
		// One retry with half the budget; a second refusal is a
		// regular stream error.
		retry := p.job.outBudget / 2
		if retry < overflowRetryFloor {
			retry = overflowRetryFloor
		}
		p.logger.Warn().
			Str("event", "stream.overflow_retry").
			Str("session_id", p.job.sid).
			Int("max_tokens", retry).
			Msg("context overflow, retrying with smaller budget")
		p.attemptTokens = retry
		resp, overflow, err = p.post(ctx, retry)
		if overflow {
			err = fmt.Errorf("context window still exceeded at max_tokens=%d", retry)
		}
	}
	if err != nil {
		p.failOut(out, stop, err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.failOut(out, stop, fmt.Errorf("worker responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		return
	}

	p.forward(resp.Body, out, stop)
	p.finishOut(out, stop)
}

// post sends one generation attempt. overflow reports the worker's
// pre-stream context-window rejection.
func (p *producer) post(ctx context.Context, maxTokens int) (resp *http.Response, overflow bool, err error) {
	body, err := json.Marshal(worker.GenerateRequest{
		SessionID:   p.job.sid,
		Messages:    p.job.packed,
		MaxTokens:   maxTokens,
		Temperature: p.job.req.Temperature,
		TopP:        p.job.req.TopP,
		Stop:        p.job.req.Stop,
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal worker request: %w", err)
	}

	url := "http://" + p.job.active.Addr() + "/generate/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err = p.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("call worker: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		msg := decodeWorkerError(raw)
		if strings.Contains(msg, "context window") {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("worker rejected request: %s", msg)
	}
	return resp, false, nil
}

// forward pumps visible bytes to out until the trailer sentinel, EOF,
// an upstream error or a cancel. A holdback of sentinel length keeps a
// marker split across reads detectable.
func (p *producer) forward(body io.Reader, out chan<- streamItem, stop <-chan struct{}) {
	marker := []byte("\n" + runjson.StartSentinel)
	hold := len(marker) - 1

	var pending []byte
	buf := make([]byte, 4096)
	for {
		if p.job.flag.IsSet() {
			p.postCancel()
			return
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if i := bytes.Index(pending, marker); i >= 0 {
				if !p.sendText(out, stop, pending[:i]) {
					return
				}
				tail := append([]byte(nil), pending[i:]...)
				rest, _ := io.ReadAll(io.LimitReader(body, trailerReadLimit))
				p.parseTrailer(append(tail, rest...))
				return
			}
			if len(pending) > hold {
				cut := len(pending) - hold
				if !p.sendText(out, stop, pending[:cut]) {
					return
				}
				pending = append([]byte(nil), pending[cut:]...)
			}
		}

		if rerr == io.EOF {
			p.sendText(out, stop, pending)
			return
		}
		if rerr != nil {
			// Tokens read so far are real; surface them, then the error.
			if !p.sendText(out, stop, pending) {
				return
			}
			if p.job.flag.IsSet() {
				p.postCancel()
				return
			}
			p.upstreamErr = rerr.Error()
			return
		}
	}
}

// sendText forwards one visible chunk, recording TTFT and the
// transcript. False means the consumer is gone.
func (p *producer) sendText(out chan<- streamItem, stop <-chan struct{}, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if p.ttft.IsZero() {
		p.ttft = time.Now()
	}
	p.text.Write(data)
	select {
	case out <- streamItem{kind: itemText, data: data}:
		return true
	case <-stop:
		return false
	}
}

// failOut reports a pre-stream or round-trip failure as a synthetic
// chunk plus an error trailer. The HTTP stream stays 200 and carries
// the failure in-band.
func (p *producer) failOut(out chan<- streamItem, stop <-chan struct{}, err error) {
	if p.job.flag.IsSet() {
		p.finishOut(out, stop)
		return
	}
	p.upstreamErr = err.Error()
	p.logger.Warn().
		Str("event", "stream.upstream_error").
		Str("session_id", p.job.sid).
		Str("worker_id", p.job.active.ID).
		Err(err).
		Msg("worker stream failed")

	chunk := []byte(errorChunkPrefix + p.upstreamErr + "\n")
	select {
	case out <- streamItem{kind: itemText, data: chunk, synthetic: true}:
		p.errChunkSent = true
	case <-stop:
		return
	}
	p.finishOut(out, stop)
}

// finishOut resolves the stop reason, composes the bridge trailer and
// enqueues it as the last item.
func (p *producer) finishOut(out chan<- streamItem, stop <-chan struct{}) {
	switch {
	case p.job.flag.IsSet():
		p.stopReason = runjson.StopReasonCancel
	case p.upstreamErr != "":
		p.stopReason = runjson.StopReasonError
	case p.workerTrailer != nil && p.workerTrailer.Stats.StopReason != "":
		p.stopReason = p.workerTrailer.Stats.StopReason
	default:
		p.stopReason = runjson.StopReasonEOS
	}

	if p.stopReason == runjson.StopReasonError && !p.errChunkSent {
		// Mid-stream failures land here without a chunk yet.
		chunk := errorChunkPrefix + p.upstreamErr + "\n"
		if p.text.Len() > 0 {
			chunk = "\n" + chunk
		}
		select {
		case out <- streamItem{kind: itemText, data: []byte(chunk), synthetic: true}:
			p.errChunkSent = true
		case <-stop:
			return
		}
	}

	trailer := p.compose()
	p.composed = &trailer
	block, err := runjson.Encode(trailer)
	if err != nil {
		p.logger.Error().
			Str("event", "stream.trailer_encode_failed").
			Err(err).
			Msg("dropping trailer")
		return
	}
	select {
	case out <- streamItem{kind: itemTrailer, data: block}:
	case <-stop:
	}
}

// compose rebuilds the client-facing trailer from bridge measurements,
// falling back to the heuristic token estimator where the worker
// reported no counts.
func (p *producer) compose() runjson.Trailer {
	end := time.Now()
	ttft := p.ttft
	if ttft.IsZero() {
		ttft = end
	}
	totalSec := end.Sub(p.start).Seconds()
	ttftSec := ttft.Sub(p.start).Seconds()

	predicted := 0
	var promptTokens *int
	var engine *runjson.EngineTimings
	if wt := p.workerTrailer; wt != nil {
		predicted = wt.Stats.PredictedTokensCount
		promptTokens = wt.Stats.PromptTokensCount
		engine = wt.Stats.Timings.Engine
	}
	if predicted == 0 {
		predicted = prompt.EstimateTokens(p.text.String())
	}
	if promptTokens == nil {
		est := p.job.estTokens
		promptTokens = &est
	}

	var tps *float64
	if genSec := end.Sub(ttft).Seconds(); predicted > 0 && genSec > 0 {
		v := float64(predicted) / genSec
		tps = &v
	}
	total := *promptTokens + predicted

	var errMsg *string
	if p.upstreamErr != "" {
		errMsg = &p.upstreamErr
	}

	kw := p.job.active.Kwargs
	return runjson.Trailer{
		IndexedModelIdentifier: p.job.active.ModelPath,
		Identifier:             model.Identifier(p.job.active.ModelPath),
		LoadModelConfig: runjson.Config{Fields: []runjson.Field{
			{Key: "n_ctx", Value: kw.NCtx},
			{Key: "n_batch", Value: kw.NBatch},
			{Key: "n_gpu_layers", Value: kw.NGPULayers},
			{Key: "kv_offload", Value: kw.KVOffload},
			{Key: "accel", Value: string(kw.Accel)},
		}},
		PredictionConfig: runjson.Config{Fields: []runjson.Field{
			{Key: "max_tokens", Value: p.attemptTokens},
			{Key: "temperature", Value: p.job.req.Temperature},
			{Key: "top_p", Value: p.job.req.TopP},
		}},
		Stats: runjson.Stats{
			StopReason:           p.stopReason,
			TokensPerSecond:      tps,
			TimeToFirstTokenSec:  ttftSec,
			TotalTimeSec:         totalSec,
			PromptTokensCount:    promptTokens,
			PredictedTokensCount: predicted,
			TotalTokensCount:     &total,
			Budget:               p.job.budget,
			Timings:              runjson.Timings{Engine: engine},
			Error:                errMsg,
		},
	}
}

// parseTrailer decodes the worker's trailing telemetry block.
func (p *producer) parseTrailer(tail []byte) {
	_, tr, err := runjson.Extract(tail)
	if err != nil {
		p.logger.Debug().
			Str("event", "stream.worker_trailer_invalid").
			Err(err).
			Msg("worker trailer not parseable")
		return
	}
	p.workerTrailer = tr
}

// postCancel forwards the cancel to the worker so it stops burning
// tokens. Best effort only.
func (p *producer) postCancel() {
	ctx, cancelFn := context.WithTimeout(context.Background(), cancelPostTimeout)
	defer cancelFn()

	url := "http://" + p.job.active.Addr() + "/cancel/" + p.job.sid
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().
			Str("event", "stream.cancel_forward_failed").
			Str("session_id", p.job.sid).
			Err(err).
			Msg("worker cancel not delivered")
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
}

func decodeWorkerError(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
