package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/metrics"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// RefundStatus reports what happened to the payment of a cancelled booking.
type RefundStatus string

const (
	RefundNone        RefundStatus = "none"
	RefundRequested   RefundStatus = "requested"
	RefundPending     RefundStatus = "pending"
	RefundPlaceholder RefundStatus = "placeholder"
)

// CancelResult is returned by Cancel and remembered by the ledger.
type CancelResult struct {
	Reservation model.Reservation  `json:"reservation"`
	Refund      RefundStatus       `json:"refund_status"`
	NextOffer   *model.Reservation `json:"next_offer,omitempty"`
	Message     string             `json:"message"`
	Replayed    bool               `json:"-"`
}

// Cancel moves a BOOKED reservation to CANCELLED, requests a refund when a
// real payment is attached and offers the slot to the waitlist.  A refund
// failure never blocks the cancellation; it is recorded as a pending
// compensation and surfaced as RefundPending.  actingUserID, when set, must
// be the requester or holder.
func (s *ReallocationService) Cancel(ctx context.Context, reservationID, actingUserID string) (*CancelResult, error) {
	if reservationID == "" {
		return nil, invalid("reservation_id is required")
	}
	key := "cancel:" + reservationID
	rec, acquired, err := s.begin(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		var out CancelResult
		if err := json.Unmarshal(rec.Outcome, &out); err != nil {
			return nil, err
		}
		out.Replayed = true
		return &out, nil
	}
	log := s.log.With(zap.String("reservation_id", reservationID), zap.String("idempotency_key", key),
		zap.Int("attempt", rec.Attempt))

	r, err := s.store.Get(ctx, reservationID)
	if err != nil {
		s.fail(ctx, rec, false, err)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	if actingUserID != "" && r.UserID != actingUserID && !r.HeldBy(actingUserID) {
		s.fail(ctx, rec, false, ErrNotHolder)
		return nil, ErrNotHolder
	}

	var cancelled *model.Reservation
	switch r.Status {
	case model.StatusBooked:
		t, _ := model.Plan(r, model.EventCancel)
		cancelled, err = s.store.Transition(ctx, t, s.now())
		if errors.Is(err, repository.ErrStaleStatus) {
			err = fmt.Errorf("%w: reservation changed while cancelling", ErrInvalidStateTransition)
		}
		if err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
	case model.StatusCancelled:
		// an earlier attempt cancelled it and failed before finishing
		log.Info("resuming interrupted cancellation")
		cancelled = r
	default:
		err := fmt.Errorf("%w: cannot cancel a %s reservation", ErrInvalidStateTransition, r.Status)
		s.fail(ctx, rec, false, err)
		return nil, err
	}

	refund := s.refund(ctx, cancelled, log)
	s.publish(ctx, queue.KeyCancellation, cancelled, func(ev *queue.Event) {
		ev.AmountCents = cancelled.PriceCents
		ev.RefundStatus = string(refund)
	})

	next, err := s.Reallocate(ctx, cancelled.Slot(), key)
	if err != nil {
		log.Error("reservation cancelled but reallocation failed", zap.Error(err))
		s.fail(ctx, rec, true, err)
		metrics.SagaOutcomes.WithLabelValues("cancel", "reallocation_failed").Inc()
		return nil, fmt.Errorf("reservation cancelled, reallocation failed: %w", err)
	}

	out := &CancelResult{Reservation: *cancelled, Refund: refund, NextOffer: next, Message: cancelMessage(refund, next)}
	s.succeed(ctx, rec, out)
	metrics.SagaOutcomes.WithLabelValues("cancel", "ok").Inc()
	log.Info("reservation cancelled", zap.String("refund_status", string(refund)))
	return out, nil
}

func (s *ReallocationService) refund(ctx context.Context, r *model.Reservation, log *zap.Logger) RefundStatus {
	if r.PaymentID == nil || *r.PaymentID == "" {
		return RefundNone
	}
	if r.PlaceholderCharge {
		log.Warn("placeholder charge attached, no refund requested", zap.String("payment_id", *r.PaymentID))
		return RefundPlaceholder
	}
	key := "cancel:" + r.ID + ":refund"
	err := s.payments.Refund(ctx, *r.PaymentID, r.PriceCents, key)
	if err == nil {
		log.Info("refund requested", zap.String("payment_id", *r.PaymentID), zap.Int64("amount_cents", r.PriceCents))
		metrics.Compensations.WithLabelValues(string(model.CompRefundPayment), "applied").Inc()
		return RefundRequested
	}

	log.Error("refund failed, queued for retry", zap.String("payment_id", *r.PaymentID),
		zap.Int64("amount_cents", r.PriceCents), zap.Error(err))
	metrics.Compensations.WithLabelValues(string(model.CompRefundPayment), "failed").Inc()
	c := &model.Compensation{
		SagaKey:       "cancel:" + r.ID,
		ReservationID: r.ID,
		Action:        model.CompRefundPayment,
		Status:        model.CompPending,
		PaymentID:     *r.PaymentID,
		PaymentKey:    key,
		AmountCents:   r.PriceCents,
	}
	if err := s.comps.Arm(context.WithoutCancel(ctx), c, s.now()); err != nil {
		log.Error("refund compensation not recorded", zap.Error(err))
	}
	return RefundPending
}

func cancelMessage(refund RefundStatus, next *model.Reservation) string {
	msg := "Reservation cancelled"
	switch refund {
	case RefundRequested:
		msg += ", refund requested"
	case RefundPending:
		msg += ", refund could not be confirmed and will be retried"
	}
	if next != nil {
		msg += ", slot offered to the next party on the waitlist"
	}
	return msg
}
