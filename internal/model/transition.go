package model

import (
	"errors"
	"fmt"
	"time"
)

// Event is something that happens to a reservation.
type Event string

const (
	EventCancel  Event = "cancel"
	EventOffer   Event = "offer"
	EventAccept  Event = "accept"
	EventDecline Event = "decline"
	EventExpire  Event = "expire"
)

// ErrInvalidStateTransition is returned when an event is applied to a
// reservation whose current status does not allow it.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// transitions is the complete table of allowed moves.  Pending -> Booked is
// deliberately absent: it only happens at creation time for the first party.
var transitions = map[Status]map[Event]Status{
	StatusBooked:  {EventCancel: StatusCancelled},
	StatusPending: {EventOffer: StatusOffered},
	StatusOffered: {
		EventAccept:  StatusBooked,
		EventDecline: StatusDeclined,
		EventExpire:  StatusExpired,
	},
}

// Next returns the status reached by applying ev in status from.
func Next(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidStateTransition, ev, from)
}

// Transition describes a conditional status update.  Stores apply it only
// when the current status equals From; otherwise nothing is written.
type Transition struct {
	ReservationID string
	Event         Event
	From          Status
	To            Status

	// Holder becomes holder_user_id when non-nil (offer).
	Holder *string
	// OfferDeadline is stored when moving to OFFERED and cleared otherwise.
	OfferDeadline *time.Time
	// DeadlineAfter, when set, additionally requires offer_deadline > DeadlineAfter.
	DeadlineAfter *time.Time

	// Booking fields, written when moving to BOOKED.
	OrderID           *string
	PaymentID         *string
	PriceCents        int64
	PlaceholderCharge bool
	PartySize         int
}

// Plan builds the Transition for applying ev to r, failing with
// ErrInvalidStateTransition when r's status does not permit it.
func Plan(r *Reservation, ev Event) (Transition, error) {
	to, err := Next(r.Status, ev)
	if err != nil {
		return Transition{}, err
	}
	return Transition{ReservationID: r.ID, Event: ev, From: r.Status, To: to}, nil
}

// Apply returns a copy of r with t applied.  It is shared by the stores so
// that every backend writes the same fields for the same transition.
func Apply(r Reservation, t Transition, now time.Time) Reservation {
	r.Status = t.To
	r.UpdatedAt = now
	if t.Holder != nil {
		h := *t.Holder
		r.HolderUserID = &h
	}
	if t.To == StatusOffered {
		d := *t.OfferDeadline
		r.OfferDeadline = &d
	} else {
		r.OfferDeadline = nil
	}
	if t.To == StatusBooked {
		r.OrderID = t.OrderID
		r.PaymentID = t.PaymentID
		r.PriceCents = t.PriceCents
		r.PlaceholderCharge = t.PlaceholderCharge
		if t.PartySize > 0 {
			r.PartySize = t.PartySize
		}
	}
	return r
}
