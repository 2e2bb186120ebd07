// SPDX-License-Identifier: MIT

package guardrail

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

const testGiB = int64(1 << 30)

// baseInput: 8 GiB model, 32 layers, 24 GiB card, balanced policy.
func baseInput() PlanInput {
	return PlanInput{
		ModelPath:      "/models/llama-8b.gguf",
		ModelSizeBytes: 8 * testGiB,
		TotalLayers:    32,
		Defaults: Defaults{
			NCtx:      4096,
			NBatch:    512,
			KVOffload: true,
			Accel:     "cuda",
		},
		Policy: Policy{
			Mode:    ModeBalanced,
			AutoFit: true,
			VMM:     true,
		},
		FreeBytes:  20 * uint64(testGiB),
		TotalBytes: 24 * uint64(testGiB),
	}
}

func TestPlanFitsEverythingWithHeadroom(t *testing.T) {
	res := Plan(baseInput())

	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed", res.Decision)
	}
	if res.Kwargs.NGPULayers != 32 {
		t.Errorf("NGPULayers = %d, want all 32", res.Kwargs.NGPULayers)
	}
	if !res.Kwargs.KVOffload {
		t.Error("KVOffload = false, want KV kept on GPU")
	}
	if res.Diag.ProjGB > res.Diag.BudgetGB {
		t.Errorf("proj %.2f exceeds budget %.2f on a proceed", res.Diag.ProjGB, res.Diag.BudgetGB)
	}
}

func TestPlanCPUPath(t *testing.T) {
	in := baseInput()
	in.Defaults.Accel = "cpu"

	res := Plan(in)
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed", res.Decision)
	}
	if res.Kwargs.NGPULayers != 0 {
		t.Errorf("NGPULayers = %d, want 0 on cpu", res.Kwargs.NGPULayers)
	}
	if res.Kwargs.KVOffload {
		t.Error("KVOffload = true, want off on cpu")
	}
	if res.Env["CUDA_VISIBLE_DEVICES"] != "" || res.Env["HIP_VISIBLE_DEVICES"] != "" {
		t.Error("cpu path must mask CUDA and HIP")
	}
	if res.Env["LLAMA_NO_METAL"] != "1" {
		t.Error("cpu path must mask Metal")
	}
}

func TestPlanAutoFallsBackToCPUWithoutGPU(t *testing.T) {
	in := baseInput()
	in.Defaults.Accel = "auto"
	in.FreeBytes, in.TotalBytes = 0, 0

	res := Plan(in)
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed", res.Decision)
	}
	if res.Kwargs.NGPULayers != 0 {
		t.Errorf("NGPULayers = %d, want 0 without a GPU", res.Kwargs.NGPULayers)
	}
}

func TestPlanAutoFitPicksLargestFittingLayerCount(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 2 * uint64(testGiB)
	// budget = min(2 - 0.15, 0.93*24) = 1.85 GiB.
	// proj(n) = 0.25n + 0.5 (kv) + 0.2, so n=4 fits, n=5 does not.

	res := Plan(in)
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed (diag %+v)", res.Decision, res.Diag)
	}
	if res.Kwargs.NGPULayers != 4 {
		t.Errorf("NGPULayers = %d, want auto-fit 4", res.Kwargs.NGPULayers)
	}
	if !res.Kwargs.KVOffload {
		t.Error("auto-fit should not have moved KV off the GPU")
	}
	if len(res.Diag.Steps) == 0 || !strings.HasPrefix(res.Diag.Steps[0], "auto_fit") {
		t.Errorf("Steps = %v, want auto_fit entry first", res.Diag.Steps)
	}
}

func TestPlanSpilloverKVThenLayers(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 2 * uint64(testGiB)
	in.Policy.AutoFit = false

	res := Plan(in)
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed (diag %+v)", res.Decision, res.Diag)
	}
	if res.Kwargs.KVOffload {
		t.Error("spillover should move KV to CPU first")
	}
	if res.Kwargs.NGPULayers != 6 {
		t.Errorf("NGPULayers = %d, want 6 after layer reduction", res.Kwargs.NGPULayers)
	}
	if len(res.Diag.Steps) != 2 || res.Diag.Steps[0] != "kv_to_cpu" {
		t.Errorf("Steps = %v, want [kv_to_cpu, layers ...]", res.Diag.Steps)
	}
	if res.Diag.ProjGB > res.Diag.BudgetGB {
		t.Errorf("proj %.2f over budget %.2f on a proceed", res.Diag.ProjGB, res.Diag.BudgetGB)
	}
}

func TestPlanHardPinsAbort(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 2 * uint64(testGiB)
	in.User = UserKwargs{
		NGPULayers: intPtr(32),
		NCtx:       intPtr(4096),
		KVOffload:  boolPtr(true),
	}

	res := Plan(in)
	if res.Decision != DecisionAbortOverBudget {
		t.Fatalf("Decision = %s, want abort", res.Decision)
	}
	if !res.Decision.IsAbort() {
		t.Error("IsAbort() = false on an abort decision")
	}
	// Pin inviolability: the pinned knobs survive untouched.
	if res.Kwargs.NGPULayers != 32 {
		t.Errorf("pinned NGPULayers mutated to %d", res.Kwargs.NGPULayers)
	}
	if res.Kwargs.NCtx != 4096 {
		t.Errorf("pinned NCtx mutated to %d", res.Kwargs.NCtx)
	}
	if !res.Kwargs.KVOffload {
		t.Error("pinned KVOffload mutated")
	}
	if res.Diag.ProjGB <= res.Diag.BudgetGB {
		t.Error("abort with proj within budget")
	}
}

func TestPlanRelaxedToleratesOverflow(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 2 * uint64(testGiB)
	in.Policy.Mode = ModeRelaxed
	in.User = UserKwargs{
		NGPULayers: intPtr(32),
		NCtx:       intPtr(4096),
		KVOffload:  boolPtr(true),
	}

	res := Plan(in)
	if res.Decision != DecisionProceedVMMAllowed {
		t.Fatalf("Decision = %s, want proceed_vmm_allowed", res.Decision)
	}
	if res.Kwargs.NGPULayers != 32 {
		t.Errorf("pinned layers mutated to %d", res.Kwargs.NGPULayers)
	}
}

func TestPlanCtxShrinkWhenKVPinnedOnGPU(t *testing.T) {
	in := baseInput()
	in.Defaults.NCtx = 8192
	in.Policy = Policy{Mode: ModeCustom, CustomGB: 1.0, AutoFit: false, VMM: true}
	in.User = UserKwargs{
		NGPULayers: intPtr(1),
		KVOffload:  boolPtr(true),
	}

	res := Plan(in)
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed (diag %+v)", res.Decision, res.Diag)
	}
	if res.Kwargs.NCtx >= 8192 || res.Kwargs.NCtx < ctxFloorTokens {
		t.Errorf("NCtx = %d, want shrunk within [2048, 8192)", res.Kwargs.NCtx)
	}
	if !res.Kwargs.KVOffload {
		t.Error("pinned KV moved off GPU")
	}
	if res.Kwargs.NGPULayers != 1 {
		t.Errorf("pinned layers mutated to %d", res.Kwargs.NGPULayers)
	}
	for _, s := range res.Diag.Steps {
		if !strings.HasPrefix(s, "ctx ") {
			t.Errorf("unexpected step %q, only ctx shrinks should fire", s)
		}
	}
}

func TestPlanOffModeNeverBudgets(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 0
	in.Policy.Mode = ModeOff

	res := Plan(in)
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %s, want proceed in off mode", res.Decision)
	}
	if res.Kwargs.NGPULayers != 32 {
		t.Errorf("NGPULayers = %d, want everything offloaded", res.Kwargs.NGPULayers)
	}
	if res.Diag.BudgetGB != -1 {
		t.Errorf("BudgetGB = %g, want -1 marker for unlimited", res.Diag.BudgetGB)
	}
}

func TestPlanCustomCapsAtBalanced(t *testing.T) {
	in := baseInput()
	in.Policy = Policy{Mode: ModeCustom, CustomGB: 500, AutoFit: true, VMM: true}

	res := Plan(in)
	// custom is clamped by the balanced cap with the VMM pad applied.
	balancedCap := math.Min(math.Max(20-0.15-0.10, 0), (0.93-0.10)*24)
	if math.Abs(res.Diag.BudgetGB-balancedCap) > 1e-9 {
		t.Errorf("BudgetGB = %g, want balanced cap %g", res.Diag.BudgetGB, balancedCap)
	}
	if res.Env["GGML_CUDA_NO_VMM"] != "1" {
		t.Error("custom mode must force VMM off")
	}
}

func TestPlanVMMDisabledInSettingsPadsBudget(t *testing.T) {
	in := baseInput()
	in.Policy.VMM = false

	res := Plan(in)
	if res.Env["GGML_CUDA_NO_VMM"] != "1" {
		t.Error("vmm=false must emit GGML_CUDA_NO_VMM=1")
	}
	want := math.Min(math.Max(20-0.15-0.10, 0), (0.93-0.10)*24)
	if math.Abs(res.Diag.BudgetGB-want) > 1e-9 {
		t.Errorf("BudgetGB = %g, want padded %g", res.Diag.BudgetGB, want)
	}
}

func TestPlanPendingReducesLiveFree(t *testing.T) {
	in := baseInput()
	in.PendingGB = 18.5

	res := Plan(in)
	if math.Abs(res.Diag.LiveFreeGB-1.5) > 1e-9 {
		t.Errorf("LiveFreeGB = %g, want 1.5", res.Diag.LiveFreeGB)
	}
	// budget = 1.35; proj(n) = 0.25n + 0.7 -> auto-fit lands on 2.
	if res.Kwargs.NGPULayers != 2 {
		t.Errorf("NGPULayers = %d, want 2 under pending pressure", res.Kwargs.NGPULayers)
	}
}

func TestPlanAlternateKVSpellingPins(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 2 * uint64(testGiB)
	in.Policy.AutoFit = false
	in.User = UserKwargs{OffloadKQV: boolPtr(false)}

	res := Plan(in)
	if res.Kwargs.KVOffload {
		t.Error("offload_kqv=false did not pin KV off")
	}
	for _, s := range res.Diag.Steps {
		if s == "kv_to_cpu" {
			t.Error("kv_to_cpu step fired although KV was already pinned off")
		}
	}
}

func TestBudgetMonotonicity(t *testing.T) {
	// off -> relaxed -> balanced -> strict never increases budget,
	// with the pads each mode actually applies under vmm=true.
	totals := []float64{8, 24, 80}
	frees := []float64{0, 0.5, 4, 12.5, 24}

	for _, total := range totals {
		for _, free := range frees {
			if free > total {
				continue
			}
			strict := computeBudget(ModeStrict, free, total, vmmPadGB, 0)
			balanced := computeBudget(ModeBalanced, free, total, 0, 0)
			relaxed := computeBudget(ModeRelaxed, free, total, 0, 0)
			off := computeBudget(ModeOff, free, total, 0, 0)

			if strict > balanced || balanced > relaxed || !math.IsInf(off, 1) {
				t.Errorf("monotonicity broken at free=%g total=%g: strict=%g balanced=%g relaxed=%g",
					free, total, strict, balanced, relaxed)
			}
			if strict < 0 || balanced < 0 || relaxed < 0 {
				t.Errorf("negative budget at free=%g total=%g", free, total)
			}
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	in := baseInput()
	in.FreeBytes = 3 * uint64(testGiB)
	in.User = UserKwargs{NCtx: intPtr(6144)}

	a := Plan(in)
	b := Plan(in)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Plan is not deterministic (-first +second):\n%s", diff)
	}
}

func TestPlanSpilloverBounded(t *testing.T) {
	in := baseInput()
	in.Defaults.NCtx = 1 << 20
	in.Policy = Policy{Mode: ModeCustom, CustomGB: 0.3, AutoFit: false, VMM: true}
	in.User = UserKwargs{NGPULayers: intPtr(1), KVOffload: boolPtr(true)}

	res := Plan(in)
	// Only ctx shrinks can fire and they are capped at 6.
	if len(res.Diag.Steps) > maxSpillIterations {
		t.Errorf("%d steps taken, cap is %d", len(res.Diag.Steps), maxSpillIterations)
	}
	if !res.Decision.IsAbort() {
		t.Errorf("Decision = %s, want abort after bounded spillover", res.Decision)
	}
}
