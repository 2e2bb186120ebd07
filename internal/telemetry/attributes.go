// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans across the daemon.
const (
	SessionIDKey  = "chat.session_id"
	WorkerIDKey   = "worker.id"
	ModelKey      = "model.identifier"
	StopReasonKey = "stream.stop_reason"

	SpawnDecisionKey = "spawn.decision"
	SpawnNCtxKey     = "spawn.n_ctx"
	SpawnLayersKey   = "spawn.n_gpu_layers"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// StreamAttributes tags a generation span.
func StreamAttributes(sessionID, workerID, model string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if workerID != "" {
		attrs = append(attrs, attribute.String(WorkerIDKey, workerID))
	}
	if model != "" {
		attrs = append(attrs, attribute.String(ModelKey, model))
	}
	return attrs
}

// SpawnAttributes tags a worker-spawn span with the planned launch.
func SpawnAttributes(model, decision string, nCtx, nGPULayers int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ModelKey, model),
		attribute.String(SpawnDecisionKey, decision),
		attribute.Int(SpawnNCtxKey, nCtx),
		attribute.Int(SpawnLayersKey, nGPULayers),
	}
}

// ErrorAttributes marks a span failed with a coarse error class.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
