// Package queue defines the notification payloads published to the message
// broker, the publisher used by the service and the audit consumer.
package queue

import "time"

// Routing keys on the notification topic exchange.
const (
	KeyCancellation = "reservation.cancellation"
	KeyOfferNotice  = "reallocation.notice"
	KeyConfirmation = "reallocation.confirmation"
	KeyDeclined     = "reallocation.declined"
	KeyExpired      = "reallocation.expired"
	KeyCompensation = "saga.compensation"
)

// Event is the body of every notification.  It carries enough for the
// notification collaborator to reach the party without querying the
// reservation store; fields irrelevant to a routing key are left empty.
type Event struct {
	Type          string     `json:"type"`
	ReservationID string     `json:"reservation_id"`
	UserID        string     `json:"user_id"`
	RestaurantID  string     `json:"restaurant_id"`
	SlotTime      time.Time  `json:"slot_time"`
	PartySize     int        `json:"party_size,omitempty"`
	OfferDeadline *time.Time `json:"offer_deadline,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	PaymentID     string     `json:"payment_id,omitempty"`
	AmountCents   int64      `json:"amount_cents,omitempty"`
	RefundStatus  string     `json:"refund_status,omitempty"`
	Step          string     `json:"step,omitempty"`
	Message       string     `json:"message,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}
