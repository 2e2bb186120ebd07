// SPDX-License-Identifier: MIT

package settings

// BuiltinDefaults is the factory configuration written to
// defaults.json on first start. Keys are read via dotted paths, e.g.
// "worker_defaults.n_ctx".
func BuiltinDefaults() map[string]any {
	return map[string]any{
		"worker_defaults": map[string]any{
			"n_ctx":           4096,
			"n_batch":         512,
			"n_threads":       0,
			"rope_freq_base":  0.0,
			"rope_freq_scale": 0.0,
			"kv_offload":      true,
			"device":          0,
			"accel":           "auto",
		},
		"guardrail": map[string]any{
			"mode":      "balanced",
			"custom_gb": 0.0,
			"auto_fit":  true,
			"vmm":       true,
		},
		"stream": map[string]any{
			"buffer_chunks":          128,
			"min_out_tokens":         64,
			"reserved_system_tokens": 64,
			"margin_tokens":          16,
			"stop_banner":            true,
			"permits":                1,
		},
		"packing": map[string]any{
			"skip_threshold_tokens": 96,
			"summary_max_chars":     2000,
			"rollup_min":            3,
			"rollup_max":            12,
		},
		"retitle": map[string]any{
			"enabled":        true,
			"max_words":      5,
			"max_chars":      48,
			"queue_capacity": 64,
		},
	}
}
