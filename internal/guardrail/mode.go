// SPDX-License-Identifier: MIT

// Package guardrail plans worker launches against a VRAM budget. Plan
// is a pure function of its inputs; all probing and settings access
// happen before the call.
package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode selects how aggressively the planner budgets VRAM.
type Mode string

const (
	// ModeOff disables budgeting entirely.
	ModeOff Mode = "off"

	// ModeStrict keeps a large reserve and forces VMM off.
	ModeStrict Mode = "strict"

	// ModeBalanced is the default reserve.
	ModeBalanced Mode = "balanced"

	// ModeRelaxed keeps a minimal reserve and tolerates overflow.
	ModeRelaxed Mode = "relaxed"

	// ModeCustom caps the budget at a user-chosen GiB value,
	// bounded by the balanced cap. Forces VMM off like strict.
	ModeCustom Mode = "custom"
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	return string(m)
}

// IsValid checks whether the mode is one of the defined constants.
func (m Mode) IsValid() bool {
	switch m {
	case ModeOff, ModeStrict, ModeBalanced, ModeRelaxed, ModeCustom:
		return true
	default:
		return false
	}
}

// ForcesVMMOff reports whether the mode itself disables CUDA VMM.
func (m Mode) ForcesVMMOff() bool {
	return m == ModeStrict || m == ModeCustom
}

// ParseMode converts a settings string into a Mode. Unknown strings
// are rejected.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown guardrail mode %q", s)
	}
	return m, nil
}

// MarshalJSON implements json.Marshaler.
func (m Mode) MarshalJSON() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("cannot marshal invalid guardrail mode %q", string(m))
	}
	return json.Marshal(string(m))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("guardrail mode must be a string: %w", err)
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Decision is the planner verdict.
type Decision string

const (
	// DecisionProceed means the projection fits the budget.
	DecisionProceed Decision = "proceed"

	// DecisionProceedVMMAllowed means relaxed mode tolerated an
	// overflow; the driver may spill via VMM.
	DecisionProceedVMMAllowed Decision = "proceed_vmm_allowed"

	// DecisionAbortOverBudget means the projection exceeds the
	// budget and every overflow-reducing knob is pinned or already
	// at its floor.
	DecisionAbortOverBudget Decision = "abort_over_budget_hard_pins"
)

// IsAbort reports whether the decision refuses the launch.
func (d Decision) IsAbort() bool {
	return strings.HasPrefix(string(d), "abort")
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	return string(d)
}
