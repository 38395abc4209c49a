package service

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/metrics"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// offerOutcome is what the ledger remembers about one freeing event.
type offerOutcome struct {
	OfferedID string `json:"offered_id,omitempty"`
	Result    string `json:"result"`
}

const (
	offerOffered   = "offered"
	offerExhausted = "exhausted"
	offerNoop      = "noop"
)

// Reallocate offers the freed slot to the first PENDING reservation by
// waitlist position.  trigger identifies the freeing event ("cancel:<id>",
// "decline:<id>", "expire:<id>") and makes the call idempotent.  It returns
// the new offer, or nil when the slot is already claimed or the waitlist is
// exhausted; both are normal outcomes.
func (s *ReallocationService) Reallocate(ctx context.Context, slot model.Slot, trigger string) (*model.Reservation, error) {
	key := "offer:" + trigger
	rec, acquired, err := s.begin(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		var out offerOutcome
		if err := json.Unmarshal(rec.Outcome, &out); err != nil || out.OfferedID == "" {
			return nil, nil
		}
		return s.Get(ctx, out.OfferedID)
	}
	log := s.log.With(zap.String("slot", slot.Key()), zap.String("idempotency_key", key), zap.Int("attempt", rec.Attempt))

	// Each pass either ends or consumes a PENDING row that someone else
	// moved, so the loop is bounded by the waitlist.
	for {
		if err := ctx.Err(); err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		holder, err := s.store.ClaimHolder(ctx, slot)
		if err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		if holder != nil {
			log.Info("slot already claimed, no offer made", zap.String("holder_reservation_id", holder.ID),
				zap.String("status", string(holder.Status)))
			metrics.Offers.WithLabelValues(offerNoop).Inc()
			s.succeed(ctx, rec, offerOutcome{Result: offerNoop})
			return nil, nil
		}

		next, err := s.store.NextPending(ctx, slot)
		if err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		if next == nil {
			log.Info("waitlist exhausted, slot left unclaimed")
			metrics.Offers.WithLabelValues(offerExhausted).Inc()
			s.succeed(ctx, rec, offerOutcome{Result: offerExhausted})
			return nil, nil
		}

		t, err := model.Plan(next, model.EventOffer)
		if err != nil {
			s.fail(ctx, rec, false, err)
			return nil, err
		}
		now := s.now()
		deadline := now.Add(s.cfg.OfferWindow)
		t.Holder = &next.UserID
		t.OfferDeadline = &deadline

		offered, err := s.store.Transition(ctx, t, now)
		switch {
		case errors.Is(err, repository.ErrStaleStatus):
			log.Debug("waitlist head moved, retrying", zap.String("reservation_id", next.ID))
			continue
		case errors.Is(err, repository.ErrSlotClaimed):
			log.Info("slot claimed concurrently, no offer made", zap.String("reservation_id", next.ID))
			metrics.Offers.WithLabelValues(offerNoop).Inc()
			s.succeed(ctx, rec, offerOutcome{Result: offerNoop})
			return nil, nil
		case err != nil:
			s.fail(ctx, rec, false, err)
			return nil, err
		}

		log.Info("offer made", zap.String("reservation_id", offered.ID), zap.String("user_id", offered.UserID),
			zap.Int64("waitlist_position", offered.WaitlistPosition), zap.Time("offer_deadline", deadline))
		metrics.Offers.WithLabelValues(offerOffered).Inc()
		s.succeed(ctx, rec, offerOutcome{OfferedID: offered.ID, Result: offerOffered})
		s.publish(ctx, queue.KeyOfferNotice, offered, nil)
		return offered, nil
	}
}
