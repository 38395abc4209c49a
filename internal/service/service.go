// Package service implements the reservation reallocation workflow: the offer
// engine, the cancellation handler, the acceptance saga with its
// compensation table, and the decline/expiry cascade.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// Config tunes the workflow.
type Config struct {
	// OfferWindow is how long an offeree has to accept.
	OfferWindow time.Duration
	// SagaLease is how long an IN_PROGRESS idempotency claim is honoured and
	// how old an ARMED compensation must be before recovery looks at it.
	SagaLease time.Duration
	// SweepBatch caps rows handled per sweep run.
	SweepBatch int
	// Currency sent with payment authorizations.
	Currency string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{OfferWindow: 15 * time.Minute, SagaLease: 2 * time.Minute, SweepBatch: 100, Currency: "SGD"}
}

// ReallocationService owns the reservation state machine.  Every decision is
// taken on a fresh read of the store and every write is conditional, so any
// number of instances may run side by side.
type ReallocationService struct {
	store    ReservationStore
	ledger   Ledger
	comps    CompensationStore
	orders   Orders
	payments Payments
	notifier Notifier

	cfg Config
	now func() time.Time
	log *zap.Logger
}

// NewReallocationService wires the service.  notifier may be nil.
func NewReallocationService(
	store ReservationStore,
	ledger Ledger,
	comps CompensationStore,
	orders Orders,
	payments Payments,
	notifier Notifier,
	cfg Config,
	log *zap.Logger,
) *ReallocationService {
	def := DefaultConfig()
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = def.OfferWindow
	}
	if cfg.SagaLease <= 0 {
		cfg.SagaLease = def.SagaLease
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReallocationService{
		store:    store,
		ledger:   ledger,
		comps:    comps,
		orders:   orders,
		payments: payments,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// SetClock replaces the time source.  Tests use it to move past deadlines.
func (s *ReallocationService) SetClock(now func() time.Time) { s.now = now }

func (s *ReallocationService) publish(ctx context.Context, key string, r *model.Reservation, mut func(*queue.Event)) {
	if s.notifier == nil {
		return
	}
	ev := queue.Event{
		Type:          key,
		ReservationID: r.ID,
		UserID:        r.UserID,
		RestaurantID:  r.RestaurantID,
		SlotTime:      r.SlotTime,
		PartySize:     r.PartySize,
		OfferDeadline: r.OfferDeadline,
		OccurredAt:    s.now(),
	}
	if r.OrderID != nil {
		ev.OrderID = *r.OrderID
	}
	if r.PaymentID != nil {
		ev.PaymentID = *r.PaymentID
	}
	if mut != nil {
		mut(&ev)
	}
	// a cancelled request context must not drop the notification
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Publish(pctx, ev); err != nil {
		s.log.Warn("notification not delivered", zap.String("routing_key", key),
			zap.String("reservation_id", r.ID), zap.Error(err))
	}
}

// begin claims an idempotency key and maps the ledger's sentinel.
func (s *ReallocationService) begin(ctx context.Context, key string) (*model.IdempotencyRecord, bool, error) {
	rec, acquired, err := s.ledger.Begin(ctx, key, s.cfg.SagaLease, s.now())
	if errors.Is(err, repository.ErrInProgress) {
		return nil, false, ErrOperationInProgress
	}
	return rec, acquired, err
}

func (s *ReallocationService) succeed(ctx context.Context, rec *model.IdempotencyRecord, outcome interface{}) {
	body, err := json.Marshal(outcome)
	if err == nil {
		err = s.ledger.Succeed(context.WithoutCancel(ctx), rec.Key, rec.Attempt, body, s.now())
	}
	if err != nil {
		s.log.Error("idempotency record not finalised", zap.String("idempotency_key", rec.Key),
			zap.Int("attempt", rec.Attempt), zap.Error(err))
	}
}

func (s *ReallocationService) fail(ctx context.Context, rec *model.IdempotencyRecord, unknown bool, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.ledger.Fail(context.WithoutCancel(ctx), rec.Key, rec.Attempt, unknown, reason, s.now()); err != nil {
		s.log.Error("idempotency record not released", zap.String("idempotency_key", rec.Key),
			zap.Int("attempt", rec.Attempt), zap.Error(err))
	}
}

// remoteErr maps a failed collaborator read into the service taxonomy.
func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrCollaboratorUnavailable, err)
}

// definitive reports whether err is a definitive answer from a collaborator
// rather than an unknown outcome.
func definitive(err error) bool {
	return errors.Is(err, client.ErrDeclined) || errors.Is(err, client.ErrRejected) || errors.Is(err, client.ErrNotFound)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
