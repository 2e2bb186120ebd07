// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldWorkerID  = "worker_id"
	FieldUserID    = "user_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"

	// Model / inference fields
	FieldModelPath  = "model_path"
	FieldAccel      = "accel"
	FieldNCtx       = "n_ctx"
	FieldGPULayers  = "n_gpu_layers"
	FieldStopReason = "stop_reason"
	FieldDecision   = "decision"

	// Network fields
	FieldPort = "port"
	FieldAddr = "addr"
)
