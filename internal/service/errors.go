package service

import (
	"errors"
	"fmt"

	"github.com/iliyamo/reservation-reallocation/internal/model"
)

var (
	// ErrInvalidStateTransition is the state machine's rejection, re-exported
	// so callers need only this package.
	ErrInvalidStateTransition = model.ErrInvalidStateTransition
	// ErrOfferNotActive: the offer is missing, expired, resolved or held by
	// someone else.  Re-fetch and re-decide; do not retry the same call.
	ErrOfferNotActive = errors.New("offer not active")
	// ErrPaymentAuthorizationFailed: the payment collaborator declined.  The
	// reservation stays OFFERED and accept may be retried before the deadline.
	ErrPaymentAuthorizationFailed = errors.New("payment authorization failed")
	// ErrPartialSagaFailure: a remote effect succeeded but a later step
	// failed.  Compensation is in flight.
	ErrPartialSagaFailure = errors.New("partial saga failure")
	// ErrCollaboratorUnavailable: transport error or timeout, outcome unknown.
	// Safe to retry with the same idempotency key.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrOperationInProgress: an identical operation holds a live claim.
	ErrOperationInProgress = errors.New("operation already in progress")
	// ErrNotHolder: the acting user neither requested nor holds the reservation.
	ErrNotHolder = errors.New("reservation belongs to another user")
	// ErrReservationNotFound is returned by reads and cancel.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInvalidRequest wraps input validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Reasons carried by OfferNotActiveError.
const (
	ReasonNotFound    = "not_found"
	ReasonWrongState  = "wrong_state"
	ReasonExpired     = "expired"
	ReasonWrongHolder = "wrong_holder"
)

// OfferNotActiveError distinguishes why an offer could not be consumed.
type OfferNotActiveError struct {
	ReservationID string
	Reason        string
	Status        model.Status
}

func (e *OfferNotActiveError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("offer not active for reservation %s: %s (status %s)", e.ReservationID, e.Reason, e.Status)
	}
	return fmt.Sprintf("offer not active for reservation %s: %s", e.ReservationID, e.Reason)
}

func (e *OfferNotActiveError) Unwrap() error { return ErrOfferNotActive }

// PartialSagaError reports a failed step after remote effects were applied
// and whether their compensation already completed.
type PartialSagaError struct {
	ReservationID string
	Step          string
	Compensated   bool
	Cause         error
}

func (e *PartialSagaError) Error() string {
	state := "compensation pending"
	if e.Compensated {
		state = "compensated"
	}
	return fmt.Sprintf("partial saga failure at %s for reservation %s (%s): %v", e.Step, e.ReservationID, state, e.Cause)
}

func (e *PartialSagaError) Unwrap() []error { return []error{ErrPartialSagaFailure, e.Cause} }

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func notActive(id, reason string, status model.Status) error {
	return &OfferNotActiveError{ReservationID: id, Reason: reason, Status: status}
}
