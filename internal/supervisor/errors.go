// SPDX-License-Identifier: MIT

package supervisor

import (
	"errors"
	"fmt"

	"github.com/llamad/llamad/internal/guardrail"
)

var (
	// ErrUnknownWorker marks lookups for an id never spawned or
	// already forgotten.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrWorkerNotReady marks operations that need a ready worker.
	ErrWorkerNotReady = errors.New("worker not ready")
)

// GuardrailAbortError is returned by Spawn when the planner refuses a
// launch. It carries the full diagnostics so the API can surface them
// as a 409 problem body; no subprocess was started.
type GuardrailAbortError struct {
	ModelPath string                 `json:"modelPath"`
	Incoming  guardrail.UserKwargs   `json:"incoming"`
	Resolved  guardrail.LaunchKwargs `json:"resolved"`
	Env       map[string]string      `json:"env"`
	VRAMProj  guardrail.Diagnostics  `json:"vram_proj"`
}

func (e *GuardrailAbortError) Error() string {
	return fmt.Sprintf("guardrail abort: projection %.2f GiB over budget %.2f GiB (mode %s)",
		e.VRAMProj.ProjGB, e.VRAMProj.BudgetGB, e.VRAMProj.Mode)
}
