package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/metrics"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// compensateSaga marks every armed row of the attempt pending and applies
// the pending rows, newest first.  It reports whether all of them were
// confirmed by the collaborators; the rest stay pending for the recovery
// sweep.
func (s *ReallocationService) compensateSaga(ctx context.Context, sagaKey string, attempt int) bool {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.comps.SetStatus(ctx, sagaKey, attempt, model.CompArmed, model.CompPending, s.now()); err != nil {
		s.log.Error("compensations not marked pending", zap.String("idempotency_key", sagaKey),
			zap.Int("attempt", attempt), zap.Error(err))
		return false
	}
	rows, err := s.comps.ListSaga(ctx, sagaKey, attempt)
	if err != nil {
		s.log.Error("compensations not listed", zap.String("idempotency_key", sagaKey), zap.Error(err))
		return false
	}
	ok := true
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Status != model.CompPending {
			continue
		}
		if !s.applyCompensation(ctx, rows[i]) {
			ok = false
		}
	}
	return ok
}

// applyCompensation runs the undo of one pending row and records the result.
func (s *ReallocationService) applyCompensation(ctx context.Context, c model.Compensation) bool {
	log := s.log.With(zap.String("compensation_id", c.ID), zap.String("action", string(c.Action)),
		zap.String("reservation_id", c.ReservationID), zap.String("idempotency_key", c.SagaKey),
		zap.Int("attempt", c.Attempt))

	start := time.Now()
	err := s.undo(ctx, c)
	metrics.CollaboratorLatency.WithLabelValues(string(c.Action)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Compensations.WithLabelValues(string(c.Action), "failed").Inc()
		log.Error("compensation failed, will retry", zap.Int("tries", c.Attempts+1), zap.Error(err))
		if rerr := s.comps.Resolve(ctx, c.ID, model.CompPending, model.CompPending, err.Error(), s.now()); rerr != nil {
			log.Error("compensation failure not recorded", zap.Error(rerr))
		}
		return false
	}
	if rerr := s.comps.Resolve(ctx, c.ID, model.CompPending, model.CompApplied, "", s.now()); rerr != nil &&
		!errors.Is(rerr, repository.ErrStaleStatus) {
		log.Error("compensation applied but not recorded", zap.Error(rerr))
	}
	metrics.Compensations.WithLabelValues(string(c.Action), "applied").Inc()
	log.Info("compensation applied")
	return true
}

func (s *ReallocationService) undo(ctx context.Context, c model.Compensation) error {
	switch c.Action {
	case model.CompVoidPayment:
		return s.payments.Void(ctx, c.PaymentID, c.PaymentKey)
	case model.CompRefundPayment:
		return s.payments.Refund(ctx, c.PaymentID, c.AmountCents, c.PaymentKey)
	case model.CompCancelOrder:
		switch {
		case c.OrderID != "":
			return ignoreNotFound(s.orders.Delete(ctx, c.OrderID))
		case c.OrderKey != "":
			// the create call never answered, the order may still exist
			return ignoreNotFound(s.orders.DeleteByKey(ctx, c.OrderKey))
		}
		return nil
	case model.CompRevertOrderType:
		return ignoreNotFound(s.orders.UpdateType(ctx, c.OrderID, c.OrderType))
	}
	return fmt.Errorf("unknown compensation action %q", c.Action)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, client.ErrNotFound) {
		return nil
	}
	return err
}

// RecoveryResult summarises one recovery sweep.
type RecoveryResult struct {
	Discarded int `json:"discarded"`
	Escalated int `json:"escalated"`
	Left      int `json:"left"`
	Applied   int `json:"applied"`
	Reoffered int `json:"reoffered"`
	Failed    int `json:"failed"`
}

// RecoverCompensations resumes sagas that stopped half way, e.g. because the
// process crashed.
//
// ARMED rows older than the saga lease are resolved against the reservation:
// a booking carrying the saga's payment keeps the effects, an offer that can
// still be accepted by a retry is left alone, anything else is compensated.
// PENDING rows are then applied.  Last, every waitlist left without a
// holder because its reallocation failed is offered again.
func (s *ReallocationService) RecoverCompensations(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	now := s.now()
	armed, err := s.comps.ListByStatus(ctx, model.CompArmed, now.Add(-s.cfg.SagaLease), s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}

	type attemptKey struct {
		saga    string
		attempt int
	}
	seen := make(map[attemptKey]bool)
	for _, c := range armed {
		k := attemptKey{c.SagaKey, c.Attempt}
		if seen[k] {
			continue
		}
		seen[k] = true
		decision, err := s.resolveArmed(ctx, c.SagaKey, c.Attempt, c.ReservationID, now)
		if err != nil {
			s.log.Error("armed compensation not resolved", zap.String("idempotency_key", c.SagaKey),
				zap.Int("attempt", c.Attempt), zap.Error(err))
			res.Failed++
			continue
		}
		switch decision {
		case model.CompDiscarded:
			res.Discarded++
		case model.CompPending:
			res.Escalated++
		default:
			res.Left++
		}
	}

	pending, err := s.comps.ListByStatus(ctx, model.CompPending, now, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if s.applyCompensation(ctx, c) {
			res.Applied++
		} else {
			res.Failed++
		}
	}

	stranded, err := s.store.ListStrandedWaitlists(ctx, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, head := range stranded {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		slot := head.Slot()
		offered, err := s.Reallocate(ctx, slot, fmt.Sprintf("recover:%s:%d", slot.Key(), now.UnixNano()))
		if err != nil {
			s.log.Error("stranded waitlist not reoffered", zap.String("slot", slot.Key()), zap.Error(err))
			res.Failed++
			continue
		}
		if offered != nil {
			res.Reoffered++
		}
	}
	if res != (RecoveryResult{}) {
		s.log.Info("recovery sweep finished", zap.Int("discarded", res.Discarded), zap.Int("escalated", res.Escalated),
			zap.Int("left", res.Left), zap.Int("applied", res.Applied), zap.Int("reoffered", res.Reoffered), zap.Int("failed", res.Failed))
	}
	return res, nil
}

// resolveArmed decides the fate of one saga attempt's armed rows and
// returns the status they were moved to, or CompArmed when left alone.
func (s *ReallocationService) resolveArmed(ctx context.Context, sagaKey string, attempt int, reservationID string, now time.Time) (model.CompensationStatus, error) {
	rec, err := s.ledger.Get(ctx, sagaKey)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}
	if rec != nil && rec.Attempt == attempt {
		switch {
		case rec.Status == model.IdemSucceeded:
			return s.moveArmed(ctx, sagaKey, attempt, model.CompDiscarded)
		case rec.Status == model.IdemInProgress && now.Sub(rec.UpdatedAt) < s.cfg.SagaLease:
			return model.CompArmed, nil
		}
	}

	r, err := s.store.Get(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.moveArmed(ctx, sagaKey, attempt, model.CompPending)
	}
	if err != nil {
		return "", err
	}

	if r.Status == model.StatusBooked && r.PaymentID != nil {
		rows, err := s.comps.ListSaga(ctx, sagaKey, attempt)
		if err != nil {
			return "", err
		}
		for _, row := range rows {
			if row.Action == model.CompVoidPayment && row.PaymentID != "" && row.PaymentID == *r.PaymentID {
				return s.moveArmed(ctx, sagaKey, attempt, model.CompDiscarded)
			}
		}
	}

	// a retry under the same attempt can still finish the booking
	retryable := rec != nil && rec.Attempt == attempt && rec.Status != model.IdemSucceeded &&
		(rec.UnknownOutcome || rec.Status == model.IdemInProgress)
	if strings.HasPrefix(sagaKey, "accept:") && r.OfferActive(now) && retryable {
		return model.CompArmed, nil
	}
	return s.moveArmed(ctx, sagaKey, attempt, model.CompPending)
}

func (s *ReallocationService) moveArmed(ctx context.Context, sagaKey string, attempt int, to model.CompensationStatus) (model.CompensationStatus, error) {
	n, err := s.comps.SetStatus(ctx, sagaKey, attempt, model.CompArmed, to, s.now())
	if err != nil {
		return "", err
	}
	if n > 0 {
		s.log.Info("armed compensations resolved", zap.String("idempotency_key", sagaKey),
			zap.Int("attempt", attempt), zap.String("to", string(to)), zap.Int("rows", n))
	}
	return to, nil
}
