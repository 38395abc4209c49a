package model

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus values for ledger records.
type IdempotencyStatus string

const (
	IdemInProgress IdempotencyStatus = "IN_PROGRESS"
	IdemSucceeded  IdempotencyStatus = "SUCCEEDED"
	IdemFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord maps an operation key (e.g. "accept:<reservation id>")
// to the outcome of the operation.  Attempt numbers the tries that produced
// distinct remote side effects: it advances after a terminal failure and is
// kept after an unknown-outcome failure so the retry reuses the same
// downstream idempotency keys.
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	Status         IdempotencyStatus `json:"status"`
	Attempt        int               `json:"attempt"`
	UnknownOutcome bool              `json:"unknown_outcome"`
	Outcome        json.RawMessage   `json:"outcome,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NextAttempt returns the attempt number a new claim on a failed record
// should use.
func (r *IdempotencyRecord) NextAttempt() int {
	if r.UnknownOutcome {
		return r.Attempt
	}
	return r.Attempt + 1
}
