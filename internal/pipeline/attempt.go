// Package pipeline implements the two-stage request pipeline: the before
// stage (validation, candidate building, key resolution) and the execute
// stage (ordered provider attempts with fallback).
package pipeline

import "time"

// Outcome classifies one attempt's result.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	// OutcomeTransient covers timeouts, 5xx and connection failures that
	// are safe to retry against the next candidate.
	OutcomeTransient Outcome = "transient_failure"
	OutcomeCanceled  Outcome = "canceled"
)

// AttemptRecord captures one provider attempt. Records are append-only for
// the lifetime of a request: index in the history slice equals attempt
// number minus one, and a record is never mutated once appended.
type AttemptRecord struct {
	Number    int     `json:"number"`
	Provider  string  `json:"provider"`
	ModelSlug string  `json:"model_slug"`
	Outcome   Outcome `json:"outcome"`
	Status    int     `json:"status,omitempty"`
	// Upstream error fields are verbatim; the audit emitter redacts them
	// before persistence.
	UpstreamCode    string    `json:"upstream_code,omitempty"`
	UpstreamMessage string    `json:"upstream_message,omitempty"`
	InternalReason  string    `json:"internal_reason,omitempty"`
	Byok            bool      `json:"byok,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// DurationMs is the attempt's wall-clock duration in milliseconds.
func (r *AttemptRecord) DurationMs() int64 {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}
