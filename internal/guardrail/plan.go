// SPDX-License-Identifier: MIT

package guardrail

import (
	"fmt"
	"math"
)

const (
	gib        = float64(1 << 30)
	overheadGB = 0.2

	// vmmPadGB widens every reserve when CUDA VMM is forced off,
	// since allocations can no longer spill lazily.
	vmmPadGB = 0.10

	// defaultTotalLayers stands in when the model probe could not
	// read a layer count.
	defaultTotalLayers = 32

	maxSpillIterations = 6
	ctxFloorTokens     = 2048

	// kvBytesPerCtxToken is the upper-bound KV cache estimate per
	// context token.
	kvBytesPerCtxToken = 131072
)

// PlanInput carries everything Plan needs. All probing (model size,
// VRAM, pending projections) happens before the call so Plan stays
// pure.
type PlanInput struct {
	ModelPath      string
	ModelSizeBytes int64
	// TotalLayers is the model block count; 0 means unknown.
	TotalLayers int

	User     UserKwargs
	Defaults Defaults
	Policy   Policy

	FreeBytes  uint64
	TotalBytes uint64
	// PendingGB is the summed projection of *other* workers still
	// loading.
	PendingGB float64
}

// Diagnostics records the intermediate planner values. It rides inside
// guardrail-abort API errors, so every field is JSON-safe; an
// unlimited budget is encoded as -1.
type Diagnostics struct {
	PerLayerGB float64  `json:"per_layer_gb"`
	OverheadGB float64  `json:"overhead_gb"`
	KVGB       float64  `json:"kv_gb"`
	BudgetGB   float64  `json:"budget_gb"`
	ProjGB     float64  `json:"proj_gb"`
	PendingGB  float64  `json:"pending_gb"`
	FreeGB     float64  `json:"free_gb"`
	LiveFreeGB float64  `json:"live_free_gb"`
	TotalGB    float64  `json:"total_gb"`
	Mode       Mode     `json:"mode"`
	Decision   Decision `json:"decision"`
	Steps      []string `json:"steps,omitempty"`
}

// PlanResult is the planner output: launch kwargs, the environment
// patch for the subprocess, diagnostics, and the verdict.
type PlanResult struct {
	Kwargs   LaunchKwargs
	Env      map[string]string
	Diag     Diagnostics
	Decision Decision
}

// Plan folds settings and user kwargs into launch kwargs, budgets the
// VRAM projection and decides proceed or abort. Deterministic and pure
// given its input.
func Plan(in PlanInput) PlanResult {
	accel := NormalizeAccel(in.Defaults.Accel)

	kw := LaunchKwargs{
		NCtx:          in.Defaults.NCtx,
		NBatch:        in.Defaults.NBatch,
		NThreads:      in.Defaults.NThreads,
		RopeFreqBase:  in.Defaults.RopeFreqBase,
		RopeFreqScale: in.Defaults.RopeFreqScale,
		KVOffload:     in.Defaults.KVOffload,
		Device:        in.Defaults.Device,
		Accel:         accel,
	}
	if in.User.NCtx != nil && *in.User.NCtx > 0 {
		kw.NCtx = *in.User.NCtx
	}
	if in.User.NBatch != nil && *in.User.NBatch > 0 {
		kw.NBatch = *in.User.NBatch
	}
	if in.User.NThreads != nil && *in.User.NThreads > 0 {
		kw.NThreads = *in.User.NThreads
	}
	if in.User.RopeFreqBase != nil {
		kw.RopeFreqBase = *in.User.RopeFreqBase
	}
	if in.User.RopeFreqScale != nil {
		kw.RopeFreqScale = *in.User.RopeFreqScale
	}
	if v, supplied := in.User.kvSupplied(); supplied {
		kw.KVOffload = v
	}

	layersPinned := in.User.layersPinned()
	ctxPinned := in.User.ctxPinned()
	_, kvPinned := in.User.kvSupplied()

	env := accelEnvPatch(accel, kw.Device)

	freeGB := float64(in.FreeBytes) / gib
	totalGB := float64(in.TotalBytes) / gib
	liveFreeGB := math.Max(freeGB-in.PendingGB, 0)

	diag := Diagnostics{
		OverheadGB: overheadGB,
		PendingGB:  in.PendingGB,
		FreeGB:     freeGB,
		LiveFreeGB: liveFreeGB,
		TotalGB:    totalGB,
		Mode:       in.Policy.Mode,
	}

	// CPU path: explicit accel=cpu, or auto with no GPU visible.
	if accel == AccelCPU || (accel == AccelAuto && in.TotalBytes == 0) {
		kw.NGPULayers = 0
		kw.KVOffload = false
		diag.BudgetGB = -1
		diag.Decision = DecisionProceed
		diag.Steps = []string{"cpu_path"}
		return PlanResult{Kwargs: kw, Env: env, Diag: diag, Decision: DecisionProceed}
	}

	totalLayers := in.TotalLayers
	if totalLayers <= 0 {
		totalLayers = defaultTotalLayers
	}
	perLayerGB := 0.0
	if in.ModelSizeBytes > 0 {
		perLayerGB = float64(in.ModelSizeBytes) / gib / float64(totalLayers)
	}
	diag.PerLayerGB = perLayerGB

	layers := totalLayers
	if layersPinned {
		layers = *in.User.NGPULayers
	}
	kvOnGPU := kw.KVOffload

	vmmOff := in.Policy.Mode.ForcesVMMOff() || !in.Policy.VMM
	pad := 0.0
	if vmmOff {
		pad = vmmPadGB
	}
	budget := computeBudget(in.Policy.Mode, liveFreeGB, totalGB, pad, in.Policy.CustomGB)

	// Pinned layer counts beyond the model are projected at the
	// real layer count; the pin itself is untouched.
	project := func(nLayers, nCtx int, kvGPU bool) (proj, kvGB float64) {
		if kvGPU {
			kvGB = float64(kvBytesPerCtxToken) * float64(nCtx) / gib
		}
		if nLayers > totalLayers {
			nLayers = totalLayers
		}
		return perLayerGB*float64(nLayers) + kvGB + overheadGB, kvGB
	}

	var steps []string
	proj, kvGB := project(layers, kw.NCtx, kvOnGPU)

	if !layersPinned && in.Policy.AutoFit && !math.IsInf(budget, 1) {
		fit := 1
		for n := totalLayers; n >= 1; n-- {
			if p, _ := project(n, kw.NCtx, kvOnGPU); p <= budget {
				fit = n
				break
			}
		}
		layers = fit
		proj, kvGB = project(layers, kw.NCtx, kvOnGPU)
		steps = append(steps, fmt.Sprintf("auto_fit n_gpu_layers=%d", layers))
	}

spill:
	for i := 0; i < maxSpillIterations && proj > budget; i++ {
		switch {
		case kvOnGPU && !kvPinned:
			kvOnGPU = false
			steps = append(steps, "kv_to_cpu")
		case !layersPinned && layers > 1 && perLayerGB > 0:
			reduce := int(math.Ceil((proj - budget) / perLayerGB))
			next := layers - reduce
			if next < 1 {
				next = 1
			}
			steps = append(steps, fmt.Sprintf("layers %d -> %d", layers, next))
			layers = next
		case kvOnGPU && !ctxPinned && kw.NCtx > ctxFloorTokens:
			next := int(0.85 * float64(kw.NCtx))
			if next < ctxFloorTokens {
				next = ctxFloorTokens
			}
			steps = append(steps, fmt.Sprintf("ctx %d -> %d", kw.NCtx, next))
			kw.NCtx = next
		default:
			break spill
		}
		proj, kvGB = project(layers, kw.NCtx, kvOnGPU)
	}

	var decision Decision
	switch {
	case proj <= budget:
		decision = DecisionProceed
	case in.Policy.Mode == ModeRelaxed:
		decision = DecisionProceedVMMAllowed
	default:
		decision = DecisionAbortOverBudget
	}

	// GPU path sanitization.
	if layers < 1 {
		layers = 1
	}
	kw.NGPULayers = layers
	kw.KVOffload = kvOnGPU

	if vmmOff {
		env["GGML_CUDA_NO_VMM"] = "1"
	}

	diag.BudgetGB = budget
	if math.IsInf(budget, 1) {
		diag.BudgetGB = -1
	}
	diag.KVGB = kvGB
	diag.ProjGB = proj
	diag.Decision = decision
	diag.Steps = steps

	return PlanResult{Kwargs: kw, Env: env, Diag: diag, Decision: decision}
}

func computeBudget(mode Mode, liveFreeGB, totalGB, pad, customGB float64) float64 {
	capped := func(reserve, frac float64) float64 {
		return math.Min(math.Max(liveFreeGB-reserve-pad, 0), (frac-pad)*totalGB)
	}
	switch mode {
	case ModeOff:
		return math.Inf(1)
	case ModeStrict:
		return capped(0.25, 0.85)
	case ModeBalanced:
		return capped(0.15, 0.93)
	case ModeRelaxed:
		return capped(0.05, 0.99)
	case ModeCustom:
		return math.Min(customGB, capped(0.15, 0.93))
	default:
		return capped(0.15, 0.93)
	}
}
