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

// DeclineResult is returned by Decline and remembered by the ledger.
type DeclineResult struct {
	Reservation model.Reservation  `json:"reservation"`
	NextOffer   *model.Reservation `json:"next_offer,omitempty"`
	Message     string             `json:"message"`
	Replayed    bool               `json:"-"`
}

// Decline moves an active offer to DECLINED and offers the slot to the next
// party.  actingUserID, when set, must hold the offer.
func (s *ReallocationService) Decline(ctx context.Context, reservationID, actingUserID string) (*DeclineResult, error) {
	if reservationID == "" {
		return nil, invalid("reservation_id is required")
	}
	key := "decline:" + reservationID
	rec, acquired, err := s.begin(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		var out DeclineResult
		if err := json.Unmarshal(rec.Outcome, &out); err != nil {
			return nil, err
		}
		out.Replayed = true
		return &out, nil
	}
	log := s.log.With(zap.String("reservation_id", reservationID), zap.String("idempotency_key", key),
		zap.Int("attempt", rec.Attempt))

	r, err := s.store.Get(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		err = notActive(reservationID, ReasonNotFound, "")
	}
	if err != nil {
		s.fail(ctx, rec, false, err)
		return nil, err
	}

	var declined *model.Reservation
	if r.Status == model.StatusDeclined {
		// an earlier attempt declined it and failed before reallocating
		if actingUserID != "" && !r.HeldBy(actingUserID) {
			err := notActive(r.ID, ReasonWrongHolder, r.Status)
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		log.Info("resuming interrupted decline")
		declined = r
	} else {
		if err := s.checkOffer(r, actingUserID); err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		t, _ := model.Plan(r, model.EventDecline)
		now := s.now()
		t.DeadlineAfter = &now
		declined, err = s.store.Transition(ctx, t, now)
		if errors.Is(err, repository.ErrStaleStatus) {
			err = s.refetchNotActive(ctx, r.ID, actingUserID)
		}
		if err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		s.publish(ctx, queue.KeyDeclined, declined, nil)
	}

	next, err := s.Reallocate(ctx, declined.Slot(), key)
	if err != nil {
		log.Error("offer declined but reallocation failed", zap.Error(err))
		s.fail(ctx, rec, true, err)
		return nil, fmt.Errorf("offer declined, reallocation failed: %w", err)
	}

	msg := "Offer declined, slot left unclaimed"
	if next != nil {
		msg = "Offer declined, slot offered to the next party on the waitlist"
	}
	out := &DeclineResult{Reservation: *declined, NextOffer: next, Message: msg}
	s.succeed(ctx, rec, out)
	metrics.SagaOutcomes.WithLabelValues("decline", "ok").Inc()
	log.Info("offer declined", zap.Bool("reoffered", next != nil))
	return out, nil
}

func (s *ReallocationService) checkOffer(r *model.Reservation, actingUserID string) error {
	switch {
	case r.Status != model.StatusOffered:
		return notActive(r.ID, ReasonWrongState, r.Status)
	case actingUserID != "" && !r.HeldBy(actingUserID):
		return notActive(r.ID, ReasonWrongHolder, r.Status)
	case !r.OfferActive(s.now()):
		return notActive(r.ID, ReasonExpired, r.Status)
	}
	return nil
}

// refetchNotActive explains a lost conditional update from a fresh read.
func (s *ReallocationService) refetchNotActive(ctx context.Context, id, actingUserID string) error {
	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return notActive(id, ReasonNotFound, "")
	}
	if err != nil {
		return err
	}
	if err := s.checkOffer(cur, actingUserID); err != nil {
		return err
	}
	return notActive(id, ReasonWrongState, cur.Status)
}

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Skipped  int `json:"skipped"`
	Reoffers int `json:"reoffers"`
	Failed   int `json:"failed"`
}

// ExpireOffers moves OFFERED reservations whose deadline passed to EXPIRED
// and re-offers their slots.  Each reservation is claimed through the
// ledger, so overlapping sweeps never advance a waitlist twice.
func (s *ReallocationService) ExpireOffers(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	due, err := s.store.ListExpiredOffers(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	res.Scanned = len(due)
	for i := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		expired, next, err := s.expireOne(ctx, &due[i])
		switch {
		case err != nil:
			res.Failed++
			s.log.Error("offer expiry failed", zap.String("reservation_id", due[i].ID), zap.Error(err))
		case !expired:
			res.Skipped++
		default:
			res.Expired++
			if next != nil {
				res.Reoffers++
			}
		}
	}
	if res.Scanned > 0 {
		s.log.Info("expiry sweep finished", zap.Int("scanned", res.Scanned), zap.Int("expired", res.Expired),
			zap.Int("skipped", res.Skipped), zap.Int("reoffers", res.Reoffers), zap.Int("failed", res.Failed))
	}
	return res, nil
}

// expireOne reports whether this caller expired r.  Only the winner
// reallocates.
func (s *ReallocationService) expireOne(ctx context.Context, r *model.Reservation) (bool, *model.Reservation, error) {
	key := "expire:" + r.ID
	rec, acquired, err := s.begin(ctx, key)
	if errors.Is(err, ErrOperationInProgress) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if !acquired {
		return false, nil, nil
	}

	cur, err := s.store.Get(ctx, r.ID)
	if err != nil {
		s.fail(ctx, rec, false, err)
		return false, nil, err
	}
	switch {
	case cur.Status == model.StatusExpired:
		// an earlier sweep expired it and failed before reallocating
	case cur.Status != model.StatusOffered || cur.OfferActive(s.now()):
		s.fail(ctx, rec, false, notActive(cur.ID, ReasonWrongState, cur.Status))
		return false, nil, nil
	default:
		t, _ := model.Plan(cur, model.EventExpire)
		cur, err = s.store.Transition(ctx, t, s.now())
		if errors.Is(err, repository.ErrStaleStatus) {
			// accepted or declined in the meantime
			s.fail(ctx, rec, false, err)
			return false, nil, nil
		}
		if err != nil {
			s.fail(ctx, rec, false, err)
			return false, nil, err
		}
		metrics.ExpiredOffers.Inc()
		s.publish(ctx, queue.KeyExpired, cur, nil)
	}

	next, err := s.Reallocate(ctx, cur.Slot(), key)
	if err != nil {
		s.fail(ctx, rec, true, err)
		return true, nil, err
	}
	s.succeed(ctx, rec, DeclineResult{Reservation: *cur, NextOffer: next, Message: "Offer expired"})
	metrics.SagaOutcomes.WithLabelValues("expire", "ok").Inc()
	s.log.Info("offer expired", zap.String("reservation_id", cur.ID), zap.Bool("reoffered", next != nil))
	return true, next, nil
}
