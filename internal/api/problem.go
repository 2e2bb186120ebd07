// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/supervisor"
)

// Problem is an RFC 7807 error body. Type is a stable machine-readable
// slug, not a URL; clients switch on it.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// Guardrail carries the full planner diagnostics on a 409
	// spawn refusal.
	Guardrail *supervisor.GuardrailAbortError `json:"guardrail,omitempty"`
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem writes an RFC 7807 response stamped with the request id.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, detail string) {
	writeProblemBody(w, r, Problem{
		Type:   problemType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// writeGuardrailProblem maps a planner refusal to a 409 with the full
// diagnostics attached.
func writeGuardrailProblem(w http.ResponseWriter, r *http.Request, abort *supervisor.GuardrailAbortError) {
	writeProblemBody(w, r, Problem{
		Type:      "guardrail_abort",
		Title:     http.StatusText(http.StatusConflict),
		Status:    http.StatusConflict,
		Detail:    abort.Error(),
		Guardrail: abort,
	})
}

func writeProblemBody(w http.ResponseWriter, r *http.Request, p Problem) {
	p.RequestID = log.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// decodeJSON parses the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
