package service

import (
	"context"
	"time"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
)

// ReservationStore is the authoritative reservation state.  Transition is a
// conditional update: it fails with repository.ErrStaleStatus when the row is
// no longer in t.From and with repository.ErrSlotClaimed when the slot
// already has an OFFERED or BOOKED reservation.
type ReservationStore interface {
	Create(ctx context.Context, in model.NewReservation, now time.Time) (*model.Reservation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)
	ListByUser(ctx context.Context, userID string) ([]model.Reservation, error)
	ListBySlot(ctx context.Context, slot model.Slot) ([]model.Reservation, error)
	ClaimHolder(ctx context.Context, slot model.Slot) (*model.Reservation, error)
	NextPending(ctx context.Context, slot model.Slot) (*model.Reservation, error)
	Transition(ctx context.Context, t model.Transition, now time.Time) (*model.Reservation, error)
	ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
	ListStrandedWaitlists(ctx context.Context, limit int) ([]model.Reservation, error)
}

// Ledger is the idempotency ledger.
type Ledger interface {
	Begin(ctx context.Context, key string, lease time.Duration, now time.Time) (*model.IdempotencyRecord, bool, error)
	Succeed(ctx context.Context, key string, attempt int, outcome []byte, now time.Time) error
	Fail(ctx context.Context, key string, attempt int, unknownOutcome bool, reason string, now time.Time) error
	Get(ctx context.Context, key string) (*model.IdempotencyRecord, error)
}

// CompensationStore is the compensation table.
type CompensationStore interface {
	Arm(ctx context.Context, c *model.Compensation, now time.Time) error
	SetStatus(ctx context.Context, sagaKey string, attempt int, from, to model.CompensationStatus, now time.Time) (int, error)
	Resolve(ctx context.Context, id string, from, to model.CompensationStatus, lastErr string, now time.Time) error
	ListSaga(ctx context.Context, sagaKey string, attempt int) ([]model.Compensation, error)
	ListByStatus(ctx context.Context, status model.CompensationStatus, olderThan time.Time, limit int) ([]model.Compensation, error)
}

// Orders is the order collaborator.
type Orders interface {
	ListByUser(ctx context.Context, userID string) ([]client.Order, error)
	Create(ctx context.Context, req client.CreateOrderRequest, idemKey string) (*client.Order, error)
	UpdateType(ctx context.Context, orderID, orderType string) error
	Delete(ctx context.Context, orderID string) error
	DeleteByKey(ctx context.Context, idemKey string) error
}

// Payments is the payment collaborator.
type Payments interface {
	Authorize(ctx context.Context, req client.AuthorizeRequest, idemKey string) (*client.Authorization, error)
	Void(ctx context.Context, paymentID, idemKey string) error
	Refund(ctx context.Context, paymentID string, amountCents int64, idemKey string) error
}

// Notifier publishes out-of-band notifications.  Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, ev queue.Event) error
}
