// SPDX-License-Identifier: MIT

package supervisor

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a supervised worker. stopped is
// terminal; there are no transitions out of it.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusStopped Status = "stopped"
)

// ParseStatus validates a wire string against the closed status set.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusLoading, StatusReady, StatusStopped:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown worker status %q", s)
	}
}

// IsValid reports membership in the closed status set.
func (s Status) IsValid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusStopped
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// MarshalJSON encodes the status as its wire string.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid worker status %q", string(s))
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON rejects free-form strings at the boundary.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
