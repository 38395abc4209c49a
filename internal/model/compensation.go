package model

import "time"

// CompensationAction names the remote undo operation of a saga step.
type CompensationAction string

const (
	CompVoidPayment     CompensationAction = "void_payment"
	CompRefundPayment   CompensationAction = "refund_payment"
	CompCancelOrder     CompensationAction = "cancel_order"
	CompRevertOrderType CompensationAction = "revert_order_type"
)

// CompensationStatus tracks a compensation row.
//
//	ARMED     – registered before the remote effect; saga still undecided.
//	DISCARDED – the saga committed, the effect stays.
//	PENDING   – the saga failed, the undo must be applied.
//	APPLIED   – the undo was confirmed by the collaborator.
type CompensationStatus string

const (
	CompArmed     CompensationStatus = "ARMED"
	CompDiscarded CompensationStatus = "DISCARDED"
	CompPending   CompensationStatus = "PENDING"
	CompApplied   CompensationStatus = "APPLIED"
)

// Compensation is a row of the compensation table.  SagaKey is the
// idempotency key of the saga, Attempt the ledger attempt that armed it.
type Compensation struct {
	ID            string             `json:"id"`
	SagaKey       string             `json:"saga_key"`
	Attempt       int                `json:"attempt"`
	ReservationID string             `json:"reservation_id"`
	Action        CompensationAction `json:"action"`
	Status        CompensationStatus `json:"status"`
	PaymentID     string             `json:"payment_id,omitempty"`
	PaymentKey    string             `json:"payment_key,omitempty"`
	OrderID       string             `json:"order_id,omitempty"`
	OrderKey      string             `json:"order_key,omitempty"`
	OrderType     string             `json:"order_type,omitempty"`
	AmountCents   int64              `json:"amount_cents"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Merge copies the identifiers set on src into c, leaving the others.
func (c *Compensation) Merge(src *Compensation) {
	if src.PaymentID != "" {
		c.PaymentID = src.PaymentID
	}
	if src.PaymentKey != "" {
		c.PaymentKey = src.PaymentKey
	}
	if src.OrderID != "" {
		c.OrderID = src.OrderID
	}
	if src.OrderKey != "" {
		c.OrderKey = src.OrderKey
	}
	if src.OrderType != "" {
		c.OrderType = src.OrderType
	}
	if src.AmountCents != 0 {
		c.AmountCents = src.AmountCents
	}
}
