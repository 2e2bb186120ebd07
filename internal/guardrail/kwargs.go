// SPDX-License-Identifier: MIT

package guardrail

import (
	"github.com/llamad/llamad/internal/settings"
)

// UserKwargs carries caller-supplied launch knobs. Pointer fields keep
// presence information: a nil field was never sent and is free for the
// planner to choose; a non-nil field may pin the knob (§ pin rules in
// Plan). The alternate spelling offload_kqv is accepted alongside
// kv_offload.
type UserKwargs struct {
	NGPULayers    *int     `json:"n_gpu_layers,omitempty"`
	NCtx          *int     `json:"n_ctx,omitempty"`
	NBatch        *int     `json:"n_batch,omitempty"`
	NThreads      *int     `json:"n_threads,omitempty"`
	KVOffload     *bool    `json:"kv_offload,omitempty"`
	OffloadKQV    *bool    `json:"offload_kqv,omitempty"`
	RopeFreqBase  *float64 `json:"rope_freq_base,omitempty"`
	RopeFreqScale *float64 `json:"rope_freq_scale,omitempty"`
}

// kvSupplied reports whether any KV-offload key was sent, and its
// value when so. kv_offload wins over offload_kqv when both are given.
func (u UserKwargs) kvSupplied() (value, supplied bool) {
	if u.KVOffload != nil {
		return *u.KVOffload, true
	}
	if u.OffloadKQV != nil {
		return *u.OffloadKQV, true
	}
	return false, false
}

// layersPinned reports whether n_gpu_layers is hard-pinned
// (supplied with a positive value).
func (u UserKwargs) layersPinned() bool {
	return u.NGPULayers != nil && *u.NGPULayers > 0
}

// ctxPinned reports whether n_ctx is hard-pinned.
func (u UserKwargs) ctxPinned() bool {
	return u.NCtx != nil && *u.NCtx > 0
}

// Defaults is the worker_defaults.* slice of the settings store.
type Defaults struct {
	NCtx          int
	NBatch        int
	NThreads      int
	RopeFreqBase  float64
	RopeFreqScale float64
	KVOffload     bool
	Device        int
	Accel         string
}

// DefaultsFromSettings folds worker_defaults.* out of the effective
// settings for a session.
func DefaultsFromSettings(st *settings.Store, sessionID string) Defaults {
	return Defaults{
		NCtx:          st.Int(sessionID, "worker_defaults.n_ctx", 4096),
		NBatch:        st.Int(sessionID, "worker_defaults.n_batch", 512),
		NThreads:      st.Int(sessionID, "worker_defaults.n_threads", 0),
		RopeFreqBase:  st.Float(sessionID, "worker_defaults.rope_freq_base", 0),
		RopeFreqScale: st.Float(sessionID, "worker_defaults.rope_freq_scale", 0),
		KVOffload:     st.Bool(sessionID, "worker_defaults.kv_offload", true),
		Device:        st.Int(sessionID, "worker_defaults.device", 0),
		Accel:         st.String(sessionID, "worker_defaults.accel", "auto"),
	}
}

// Policy is the guardrail.* slice of the settings store.
type Policy struct {
	Mode     Mode
	CustomGB float64
	AutoFit  bool
	VMM      bool
}

// PolicyFromSettings folds guardrail.* out of the effective settings.
// An unknown mode string degrades to balanced.
func PolicyFromSettings(st *settings.Store, sessionID string) Policy {
	mode, err := ParseMode(st.String(sessionID, "guardrail.mode", string(ModeBalanced)))
	if err != nil {
		mode = ModeBalanced
	}
	return Policy{
		Mode:     mode,
		CustomGB: st.Float(sessionID, "guardrail.custom_gb", 0),
		AutoFit:  st.Bool(sessionID, "guardrail.auto_fit", true),
		VMM:      st.Bool(sessionID, "guardrail.vmm", true),
	}
}

// LaunchKwargs is the effective launch configuration chosen by the
// planner. It serializes into LLAMA_KWARGS_JSON for the worker.
type LaunchKwargs struct {
	NCtx          int     `json:"n_ctx"`
	NBatch        int     `json:"n_batch"`
	NThreads      int     `json:"n_threads"`
	NGPULayers    int     `json:"n_gpu_layers"`
	KVOffload     bool    `json:"kv_offload"`
	RopeFreqBase  float64 `json:"rope_freq_base,omitempty"`
	RopeFreqScale float64 `json:"rope_freq_scale,omitempty"`
	Device        int     `json:"device"`
	Accel         Accel   `json:"accel"`
}
