// Package repository defines error types that are reused across multiple
// repositories and the SQL implementations of the reservation store, the
// idempotency ledger and the compensation table. Higher layers translate
// these sentinels into domain errors.
package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned by conditional updates when the row's current
// status no longer matches the expected source status.  Nothing is written.
// Callers must re-read before deciding what to do next.
var ErrStaleStatus = errors.New("stale status")

// ErrSlotClaimed is returned when a write would give a slot a second
// OFFERED or BOOKED reservation.
var ErrSlotClaimed = errors.New("slot already claimed")

// ErrInProgress is returned by the ledger when another caller holds a live
// claim on the same idempotency key.
var ErrInProgress = errors.New("operation in progress")
