package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/metrics"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// AcceptRequest is the input of Accept.
type AcceptRequest struct {
	ReservationID string
	UserID        string
	// PartySize, when positive, replaces the party size on the booking.
	PartySize int
	// RequestedTime, when set, must equal the offered slot time.
	RequestedTime *time.Time
	Billing       BillingRequest
}

// AcceptResult is returned by Accept and remembered by the ledger.
type AcceptResult struct {
	Reservation       model.Reservation `json:"reservation"`
	OrderID           string            `json:"order_id"`
	PaymentID         string            `json:"payment_id"`
	AmountCents       int64             `json:"amount_cents"`
	PlaceholderCharge bool              `json:"placeholder_charge"`
	Replayed          bool              `json:"-"`
}

// Accept turns an OFFERED reservation into a BOOKED one backed by a payment
// authorization and an order.
//
// The three remote effects share no transaction.  Each one is registered in
// the compensation table before it is attempted; the rows are discarded when
// the booking commits and applied when a later step fails.  Downstream
// idempotency keys are derived from the ledger attempt, so a retry after an
// unknown outcome replays the same calls instead of charging twice.
func (s *ReallocationService) Accept(ctx context.Context, req AcceptRequest) (*AcceptResult, error) {
	switch {
	case req.ReservationID == "":
		return nil, invalid("reservation_id is required")
	case req.UserID == "":
		return nil, invalid("user_id is required")
	case req.PartySize < 0:
		return nil, invalid("count must not be negative")
	case !req.Billing.Flow.Valid():
		return nil, invalid("billing_flow must be %q or %q", FlowPriorOrder, FlowFreshCharge)
	}
	req.Billing.UserID = req.UserID

	sagaKey := "accept:" + req.ReservationID
	rec, acquired, err := s.begin(ctx, sagaKey)
	if err != nil {
		return nil, err
	}
	if !acquired {
		var out AcceptResult
		if err := json.Unmarshal(rec.Outcome, &out); err != nil {
			return nil, err
		}
		if !out.Reservation.HeldBy(req.UserID) {
			return nil, notActive(req.ReservationID, ReasonWrongHolder, out.Reservation.Status)
		}
		out.Replayed = true
		return &out, nil
	}

	a := &acceptSaga{
		s:      s,
		req:    req,
		rec:    rec,
		prefix: fmt.Sprintf("%s:%d", sagaKey, rec.Attempt),
		log: s.log.With(zap.String("reservation_id", req.ReservationID), zap.String("idempotency_key", sagaKey),
			zap.Int("attempt", rec.Attempt)),
	}
	return a.run(ctx)
}

// acceptSaga is one attempt of the acceptance saga.
type acceptSaga struct {
	s      *ReallocationService
	req    AcceptRequest
	rec    *model.IdempotencyRecord
	prefix string
	log    *zap.Logger
}

func (a *acceptSaga) run(ctx context.Context) (*AcceptResult, error) {
	s := a.s
	r, err := s.store.Get(ctx, a.req.ReservationID)
	if errors.Is(err, repository.ErrNotFound) {
		err = notActive(a.req.ReservationID, ReasonNotFound, "")
	}
	if err != nil {
		s.fail(ctx, a.rec, false, err)
		return nil, err
	}

	if a.alreadyBooked(r) {
		a.log.Info("resuming acceptance that already booked the reservation")
		return a.commit(ctx, r), nil
	}
	if err := a.check(r); err != nil {
		s.fail(ctx, a.rec, false, err)
		metrics.SagaOutcomes.WithLabelValues("accept", "offer_not_active").Inc()
		return nil, err
	}
	if a.req.RequestedTime != nil && !a.req.RequestedTime.Equal(r.SlotTime) {
		err := invalid("booking_time %s does not match the offered slot %s",
			a.req.RequestedTime.UTC().Format(time.RFC3339), r.SlotTime.UTC().Format(time.RFC3339))
		s.fail(ctx, a.rec, false, err)
		return nil, err
	}

	// 1. billing context
	charge, err := s.ResolveBilling(ctx, a.req.Billing)
	if err != nil {
		// nothing remote has happened yet
		s.fail(ctx, a.rec, false, err)
		return nil, err
	}
	a.log.Info("billing resolved", zap.String("charge", describeCharge(charge)))

	var paymentID, orderID string
	switch c := charge.(type) {
	case PlaceholderCharge:
		a.log.Warn("no billing context, booking with a placeholder charge", zap.String("payment_id", c.PaymentID))
		paymentID = c.PaymentID
	case RealCharge:
		// 2. payment authorization
		if paymentID, err = a.authorize(ctx, r, c); err != nil {
			return nil, err
		}
		// 3. order
		if orderID, err = a.order(ctx, r, c, paymentID); err != nil {
			return nil, err
		}
	}

	// 4. confirm
	return a.confirm(ctx, r, charge, paymentID, orderID)
}

// alreadyBooked recognises a reservation booked by an earlier attempt of
// this saga whose completion was not recorded.  Only acceptance stamps a
// payment id on a booking.
func (a *acceptSaga) alreadyBooked(r *model.Reservation) bool {
	return r.Status == model.StatusBooked && r.HeldBy(a.req.UserID) && r.PaymentID != nil
}

func (a *acceptSaga) check(r *model.Reservation) error {
	switch {
	case r.Status != model.StatusOffered:
		return notActive(r.ID, ReasonWrongState, r.Status)
	case !r.HeldBy(a.req.UserID):
		return notActive(r.ID, ReasonWrongHolder, r.Status)
	case !r.OfferActive(a.s.now()):
		return notActive(r.ID, ReasonExpired, r.Status)
	}
	return nil
}

func (a *acceptSaga) arm(ctx context.Context, c *model.Compensation) error {
	c.SagaKey = a.rec.Key
	c.Attempt = a.rec.Attempt
	c.ReservationID = a.req.ReservationID
	return a.s.comps.Arm(context.WithoutCancel(ctx), c, a.s.now())
}

func (a *acceptSaga) authorize(ctx context.Context, r *model.Reservation, c RealCharge) (string, error) {
	s := a.s
	payKey := a.prefix + ":payment"
	comp := &model.Compensation{Action: model.CompVoidPayment, PaymentKey: payKey, AmountCents: c.AmountCents}
	if err := a.arm(ctx, comp); err != nil {
		s.fail(ctx, a.rec, false, err)
		return "", err
	}

	start := time.Now()
	auth, err := s.payments.Authorize(ctx, client.AuthorizeRequest{
		ReservationID:   r.ID,
		AmountCents:     c.AmountCents,
		Currency:        s.cfg.Currency,
		SourcePaymentID: c.SourcePaymentID,
	}, payKey)
	metrics.CollaboratorLatency.WithLabelValues("authorize_payment").Observe(time.Since(start).Seconds())
	if err != nil {
		if !definitive(err) {
			return "", a.unknown(ctx, "authorize_payment", err)
		}
		if _, derr := s.comps.SetStatus(context.WithoutCancel(ctx), a.rec.Key, a.rec.Attempt,
			model.CompArmed, model.CompDiscarded, s.now()); derr != nil {
			a.log.Error("void registration not discarded", zap.Error(derr))
		}
		s.fail(ctx, a.rec, false, err)
		metrics.SagaOutcomes.WithLabelValues("accept", "payment_declined").Inc()
		a.log.Warn("payment authorization declined, offer stays open", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrPaymentAuthorizationFailed, err)
	}

	comp.PaymentID = auth.PaymentID
	if err := a.arm(ctx, comp); err != nil {
		// the row still carries the idempotency key, which is enough to void
		a.log.Error("payment id not recorded on compensation", zap.String("payment_id", auth.PaymentID), zap.Error(err))
	}
	a.log.Info("payment authorized", zap.String("payment_id", auth.PaymentID), zap.Int64("amount_cents", c.AmountCents))
	return auth.PaymentID, nil
}

func (a *acceptSaga) order(ctx context.Context, r *model.Reservation, c RealCharge, paymentID string) (string, error) {
	s := a.s
	start := time.Now()
	defer func() {
		metrics.CollaboratorLatency.WithLabelValues("order").Observe(time.Since(start).Seconds())
	}()

	if c.SourceOrderID != "" {
		prevType := c.SourceOrderType
		if prevType == "" {
			prevType = client.OrderTypeDineInPending
		}
		comp := &model.Compensation{Action: model.CompRevertOrderType, OrderID: c.SourceOrderID, OrderType: prevType}
		if err := a.arm(ctx, comp); err != nil {
			return "", a.abort(ctx, r, "attach_order", err)
		}
		if err := s.orders.UpdateType(ctx, c.SourceOrderID, client.OrderTypeDineIn); err != nil {
			if definitive(err) {
				return "", a.abort(ctx, r, "attach_order", err)
			}
			return "", a.unknown(ctx, "attach_order", err)
		}
		a.log.Info("existing order attached", zap.String("order_id", c.SourceOrderID))
		return c.SourceOrderID, nil
	}

	orderKey := a.prefix + ":order"
	comp := &model.Compensation{Action: model.CompCancelOrder, OrderKey: orderKey}
	if err := a.arm(ctx, comp); err != nil {
		return "", a.abort(ctx, r, "create_order", err)
	}
	o, err := s.orders.Create(ctx, client.CreateOrderRequest{
		UserID:        a.req.UserID,
		RestaurantID:  r.RestaurantID,
		ReservationID: r.ID,
		PaymentID:     paymentID,
		OrderPrice:    client.Amount(c.AmountCents),
		OrderType:     client.OrderTypeDineIn,
		Items:         a.req.Billing.Items,
	}, orderKey)
	if err != nil {
		if definitive(err) {
			return "", a.abort(ctx, r, "create_order", err)
		}
		return "", a.unknown(ctx, "create_order", err)
	}
	comp.OrderID = o.OrderID
	if err := a.arm(ctx, comp); err != nil {
		a.log.Error("order id not recorded on compensation", zap.String("order_id", o.OrderID), zap.Error(err))
	}
	a.log.Info("order created", zap.String("order_id", o.OrderID))
	return o.OrderID, nil
}

func (a *acceptSaga) confirm(ctx context.Context, r *model.Reservation, charge Charge, paymentID, orderID string) (*AcceptResult, error) {
	s := a.s
	_, placeholder := charge.(PlaceholderCharge)
	t, err := model.Plan(r, model.EventAccept)
	if err != nil {
		s.fail(ctx, a.rec, false, err)
		return nil, err
	}
	now := s.now()
	t.DeadlineAfter = &now
	t.OrderID = strPtr(orderID)
	t.PaymentID = strPtr(paymentID)
	t.PriceCents = charge.Amount()
	t.PlaceholderCharge = placeholder
	t.PartySize = a.req.PartySize

	booked, err := s.store.Transition(ctx, t, now)
	if err == nil {
		return a.commit(ctx, booked), nil
	}

	conditional := errors.Is(err, repository.ErrStaleStatus) || errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrSlotClaimed)
	if !conditional {
		// the write may have landed: the store decides
		cur, rerr := s.store.Get(ctx, r.ID)
		if rerr != nil {
			a.log.Error("booking outcome unknown", zap.Error(err), zap.NamedError("read_error", rerr))
			return nil, a.unknown(ctx, "confirm_reservation", err)
		}
		if cur.Status == model.StatusBooked && deref(cur.PaymentID) == paymentID {
			return a.commit(ctx, cur), nil
		}
	}

	if placeholder {
		// no remote effect to undo
		cur, rerr := s.store.Get(ctx, r.ID)
		if rerr == nil {
			if cerr := a.check(cur); cerr != nil {
				err = cerr
			}
		}
		s.fail(ctx, a.rec, false, err)
		return nil, err
	}
	return nil, a.abort(ctx, r, "confirm_reservation", err)
}

func (a *acceptSaga) commit(ctx context.Context, booked *model.Reservation) *AcceptResult {
	s := a.s
	out := &AcceptResult{
		Reservation:       *booked,
		OrderID:           deref(booked.OrderID),
		PaymentID:         deref(booked.PaymentID),
		AmountCents:       booked.PriceCents,
		PlaceholderCharge: booked.PlaceholderCharge,
	}
	s.succeed(ctx, a.rec, out)
	if _, err := s.comps.SetStatus(context.WithoutCancel(ctx), a.rec.Key, a.rec.Attempt,
		model.CompArmed, model.CompDiscarded, s.now()); err != nil {
		a.log.Error("compensations not discarded after commit, recovery will resolve them", zap.Error(err))
	}
	outcome := "ok"
	if booked.PlaceholderCharge {
		outcome = "placeholder"
	}
	metrics.SagaOutcomes.WithLabelValues("accept", outcome).Inc()
	a.log.Info("offer accepted", zap.String("order_id", out.OrderID), zap.String("payment_id", out.PaymentID),
		zap.Bool("placeholder_charge", out.PlaceholderCharge))
	s.publish(ctx, queue.KeyConfirmation, booked, func(ev *queue.Event) { ev.AmountCents = booked.PriceCents })
	return out
}

// abort handles a definitive failure after a remote effect may have been
// applied: every armed row of this attempt is compensated right away.
func (a *acceptSaga) abort(ctx context.Context, r *model.Reservation, step string, cause error) error {
	s := a.s
	compensated := s.compensateSaga(ctx, a.rec.Key, a.rec.Attempt)
	s.fail(ctx, a.rec, false, cause)
	metrics.PartialFailures.WithLabelValues(step).Inc()
	metrics.SagaOutcomes.WithLabelValues("accept", "partial_failure").Inc()
	a.log.Error("partial saga failure", zap.String("step", step), zap.Bool("compensated", compensated), zap.Error(cause))
	s.publish(ctx, queue.KeyCompensation, r, func(ev *queue.Event) {
		ev.Step = step
		ev.Message = cause.Error()
		if compensated {
			ev.RefundStatus = "compensated"
		} else {
			ev.RefundStatus = "compensation_pending"
		}
	})
	return &PartialSagaError{ReservationID: r.ID, Step: step, Compensated: compensated, Cause: cause}
}

// unknown releases the claim keeping the attempt, so the retry reuses the
// same downstream idempotency keys.  Armed rows are left for the retry or
// the recovery sweep.
func (a *acceptSaga) unknown(ctx context.Context, step string, cause error) error {
	a.s.fail(ctx, a.rec, true, cause)
	metrics.SagaOutcomes.WithLabelValues("accept", "unknown_outcome").Inc()
	a.log.Warn("collaborator outcome unknown, retry with the same key", zap.String("step", step), zap.Error(cause))
	return errors.Join(ErrCollaboratorUnavailable, cause)
}
