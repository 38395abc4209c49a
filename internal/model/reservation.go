package model

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOffered   Status = "OFFERED"
	StatusBooked    Status = "BOOKED"
	StatusDeclined  Status = "DECLINED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOffered, StatusBooked, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusExpired || s == StatusCancelled
}

// Claims reports whether a reservation in status s occupies its slot.  At
// most one reservation per slot may be in a claiming status at a time.
func (s Status) Claims() bool {
	return s == StatusOffered || s == StatusBooked
}

// Slot is a capacity unit of a restaurant: a point in time plus an optional
// table or capacity bucket.
type Slot struct {
	RestaurantID string    `json:"restaurant_id"`
	Time         time.Time `json:"time"`
	Bucket       string    `json:"bucket,omitempty"`
}

// Key returns the canonical identifier of the slot used for indexing.
func (s Slot) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.RestaurantID, s.Time.UTC().Format(time.RFC3339), s.Bucket)
}

// Reservation mirrors a row of the reservations table.
//
// Fields:
//
//	ID                – opaque identifier (uuid).
//	UserID            – party that requested the reservation.
//	HolderUserID      – party currently booked or offered the slot (nil while waiting).
//	Status            – lifecycle state, see Transition.
//	WaitlistPosition  – FIFO order among reservations of the same slot.
//	OfferDeadline     – set only while Status is OFFERED.
//	OrderID/PaymentID – set once booked through acceptance.
//	PriceCents        – amount charged at acceptance, used for refunds.
//	PlaceholderCharge – true when no billing context existed at acceptance.
type Reservation struct {
	ID                string     `json:"reservation_id"`
	RestaurantID      string     `json:"restaurant_id"`
	SlotTime          time.Time  `json:"slot_time"`
	SlotBucket        string     `json:"slot_bucket,omitempty"`
	PartySize         int        `json:"party_size"`
	UserID            string     `json:"user_id"`
	HolderUserID      *string    `json:"holder_user_id"`
	Status            Status     `json:"status"`
	WaitlistPosition  int64      `json:"waitlist_position"`
	OfferDeadline     *time.Time `json:"offer_deadline,omitempty"`
	OrderID           *string    `json:"order_id"`
	PaymentID         *string    `json:"payment_id"`
	PriceCents        int64      `json:"price_cents"`
	PlaceholderCharge bool       `json:"placeholder_charge"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Slot returns the slot the reservation belongs to.
func (r *Reservation) Slot() Slot {
	return Slot{RestaurantID: r.RestaurantID, Time: r.SlotTime, Bucket: r.SlotBucket}
}

// HeldBy reports whether userID is the current holder of the reservation.
func (r *Reservation) HeldBy(userID string) bool {
	return r.HolderUserID != nil && *r.HolderUserID == userID
}

// OfferActive reports whether the reservation is OFFERED with a deadline
// strictly after now.
func (r *Reservation) OfferActive(now time.Time) bool {
	return r.Status == StatusOffered && r.OfferDeadline != nil && now.Before(*r.OfferDeadline)
}

// NewReservation is the input for creating a reservation.
type NewReservation struct {
	UserID    string
	Slot      Slot
	PartySize int
}

// Validate checks the fields of a creation request.
func (n NewReservation) Validate() error {
	switch {
	case n.UserID == "":
		return errors.New("user_id is required")
	case n.Slot.RestaurantID == "":
		return errors.New("restaurant_id is required")
	case n.Slot.Time.IsZero():
		return errors.New("slot time is required")
	case n.PartySize <= 0:
		return errors.New("party_size must be positive")
	}
	return nil
}
