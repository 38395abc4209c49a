package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// offerTo books u0, queues userID and cancels u0 so userID holds an offer.
func offerTo(t *testing.T, h *harness, userID string) *model.Reservation {
	t.Helper()
	r0 := h.create(t, "u0")
	r1 := h.create(t, userID)
	_, err := h.svc.Cancel(context.Background(), r0.ID, "u0")
	require.NoError(t, err)
	r := h.get(t, r1.ID)
	require.Equal(t, model.StatusOffered, r.Status)
	return r
}

func TestAccept_IdempotentSingleAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	req := service.AcceptRequest{
		ReservationID: r.ID,
		UserID:        "u1",
		PartySize:     4,
		Billing: service.BillingRequest{
			Flow:       service.FlowPriorOrder,
			PaymentID:  "pi_prior",
			OrderID:    "ord_prior",
			PriceCents: ptr(int64(4200)),
		},
	}
	first, err := h.svc.Accept(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.Accept(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, "ord_prior", first.OrderID)
	assert.Equal(t, int64(4200), first.AmountCents)
	assert.Equal(t, 4, first.Reservation.PartySize)
	assert.Len(t, h.pay.AuthorizeKeys(), 1, "payment collaborator sees exactly one authorization")
	assert.Equal(t, []string{"ord_prior=" + client.OrderTypeDineIn}, h.orders.typeUpdates)
	assert.Zero(t, h.orders.CreatedCount())

	rows, err := h.comps.ListSaga(ctx, "accept:"+r.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, model.CompDiscarded, row.Status, row.Action)
	}
}

func TestAccept_ReplayByAnotherUserIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.NoError(t, err)

	_, err = h.svc.Accept(ctx, freshCharge(r.ID, "u9"))
	var notActive *service.OfferNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, service.ReasonWrongHolder, notActive.Reason)
}

func TestAccept_PriorOrderLookup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	h.orders.ListByUserFunc = func(userID string) ([]client.Order, error) {
		assert.Equal(t, "u1", userID)
		return []client.Order{
			{OrderID: "o-old", PaymentID: "pi-old", OrderPrice: 10, OrderType: client.OrderTypeDineIn, CreatedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
			{OrderID: "o-new", PaymentID: "pi-new", OrderPrice: 33.3, OrderType: client.OrderTypeDineInPending, CreatedAt: time.Date(2026, 11, 20, 11, 0, 0, 0, time.UTC)},
		}, nil
	}
	var authReq client.AuthorizeRequest
	h.pay.AuthorizeFunc = func(req client.AuthorizeRequest, key string) (*client.Authorization, error) {
		authReq = req
		return &client.Authorization{PaymentID: "pay-x", Status: "authorized"}, nil
	}

	res, err := h.svc.Accept(ctx, service.AcceptRequest{
		ReservationID: r.ID,
		UserID:        "u1",
		Billing:       service.BillingRequest{Flow: service.FlowPriorOrder},
	})
	require.NoError(t, err)
	assert.Equal(t, "o-new", res.OrderID)
	assert.Equal(t, "pay-x", res.PaymentID)
	assert.Equal(t, int64(3330), res.AmountCents)
	assert.Equal(t, "pi-new", authReq.SourcePaymentID)
	assert.Equal(t, "SGD", authReq.Currency)
}

func TestAccept_PaymentDeclinedLeavesOfferOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	h.pay.AuthorizeFunc = func(req client.AuthorizeRequest, key string) (*client.Authorization, error) {
		return nil, &client.CallError{Op: "authorize payment", Status: 402, Kind: client.ErrDeclined}
	}
	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.ErrorIs(t, err, service.ErrPaymentAuthorizationFailed)
	assert.Equal(t, model.StatusOffered, h.get(t, r.ID).Status)
	assert.Zero(t, h.orders.CreatedCount())

	rows, err := h.comps.ListSaga(ctx, "accept:"+r.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CompDiscarded, rows[0].Status)

	h.pay.AuthorizeFunc = nil
	res, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, res.Reservation.Status)
	assert.Equal(t, []string{"accept:" + r.ID + ":1:payment", "accept:" + r.ID + ":2:payment"}, h.pay.AuthorizeKeys(),
		"a retry after a definitive decline is a new attempt")
}

func TestAccept_PlaceholderCharge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	res, err := h.svc.Accept(ctx, service.AcceptRequest{
		ReservationID: r.ID,
		UserID:        "u1",
		Billing:       service.BillingRequest{Flow: service.FlowFreshCharge},
	})
	require.NoError(t, err)
	assert.True(t, res.PlaceholderCharge)
	assert.True(t, strings.HasPrefix(res.PaymentID, service.PlaceholderPrefix))
	assert.Empty(t, res.OrderID)
	assert.Zero(t, res.AmountCents)
	assert.Empty(t, h.pay.AuthorizeKeys())
	assert.True(t, h.get(t, r.ID).PlaceholderCharge)

	cancelled, err := h.svc.Cancel(ctx, r.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, service.RefundPlaceholder, cancelled.Refund)
	assert.Empty(t, h.pay.Refunded())
}

func TestResolveBilling_TaggedOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	c, err := h.svc.ResolveBilling(ctx, service.BillingRequest{Flow: service.FlowPriorOrder, UserID: "u1"})
	require.NoError(t, err)
	_, isPlaceholder := c.(service.PlaceholderCharge)
	assert.True(t, isPlaceholder, "no orders at all")

	c, err = h.svc.ResolveBilling(ctx, service.BillingRequest{Flow: service.FlowFreshCharge, Items: []client.OrderItem{
		{ItemName: "Satay", Quantity: 3, Price: 1.10},
	}})
	require.NoError(t, err)
	real, ok := c.(service.RealCharge)
	require.True(t, ok)
	assert.Equal(t, int64(330), real.AmountCents)
	assert.Equal(t, service.FlowFreshCharge, real.Source)

	_, err = h.svc.ResolveBilling(ctx, service.BillingRequest{Flow: "guess"})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	h.orders.ListByUserFunc = func(string) ([]client.Order, error) {
		return nil, &client.CallError{Op: "list orders", Kind: client.ErrUnavailable}
	}
	_, err = h.svc.ResolveBilling(ctx, service.BillingRequest{Flow: service.FlowPriorOrder, UserID: "u1"})
	assert.ErrorIs(t, err, service.ErrCollaboratorUnavailable)
}

func TestAccept_UnresolvedPriorOrderIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")
	h.orders.ListByUserFunc = func(string) ([]client.Order, error) {
		return []client.Order{{OrderID: "ord-real", PaymentID: "pi-real", OrderPrice: 12}}, nil
	}

	for name, billing := range map[string]service.BillingRequest{
		"unknown order":         {Flow: service.FlowPriorOrder, OrderID: "ord-typo"},
		"unknown payment":       {Flow: service.FlowPriorOrder, PaymentID: "pi-typo"},
		"price beyond the roof": {Flow: service.FlowPriorOrder, PaymentID: "pi-real", PriceCents: ptr(int64(1) << 62)},
	} {
		_, err := h.svc.Accept(ctx, service.AcceptRequest{ReservationID: r.ID, UserID: "u1", Billing: billing})
		assert.ErrorIs(t, err, service.ErrInvalidRequest, name)
	}
	assert.Empty(t, h.pay.AuthorizeKeys())
	cur := h.get(t, r.ID)
	assert.Equal(t, model.StatusOffered, cur.Status)
	assert.False(t, cur.PlaceholderCharge)

	res, err := h.svc.Accept(ctx, service.AcceptRequest{ReservationID: r.ID, UserID: "u1",
		Billing: service.BillingRequest{Flow: service.FlowPriorOrder, PaymentID: "pi-real"}})
	require.NoError(t, err)
	assert.Equal(t, "ord-real", res.OrderID, "a payment id alone finds its order")
	assert.Equal(t, int64(1200), res.AmountCents)
}

func TestResolveBilling_BoundsItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for name, items := range map[string][]client.OrderItem{
		"huge quantity": {{ItemName: "Rice", Quantity: 1_000_000, Price: 1}},
		"huge price":    {{ItemName: "Rice", Quantity: 1, Price: 1e15}},
		"huge total":    {{ItemName: "Rice", Quantity: 1000, Price: 99999}, {ItemName: "Tea", Quantity: 1000, Price: 99999}},
	} {
		_, err := h.svc.ResolveBilling(ctx, service.BillingRequest{Flow: service.FlowFreshCharge, Items: items})
		assert.ErrorIs(t, err, service.ErrInvalidRequest, name)
	}

	c, err := h.svc.ResolveBilling(ctx, service.BillingRequest{Flow: service.FlowFreshCharge, Items: []client.OrderItem{
		{ItemName: "Chilli crab", Quantity: 2, Price: 0.285},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(58), c.Amount())
}

func TestAccept_ConfirmFailureCompensates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	h.store.FailNextTransition(model.EventAccept, errors.New("connection reset by peer"))
	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.ErrorIs(t, err, service.ErrPartialSagaFailure)
	var partial *service.PartialSagaError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "confirm_reservation", partial.Step)
	assert.True(t, partial.Compensated)

	cur := h.get(t, r.ID)
	assert.Equal(t, model.StatusOffered, cur.Status, "never booked without payment")
	assert.Nil(t, cur.PaymentID)
	assert.Equal(t, []string{"accept:" + r.ID + ":1:payment"}, h.pay.Voided())
	assert.Equal(t, []string{"ord_1"}, h.orders.deleted)

	rows, err := h.comps.ListSaga(ctx, "accept:"+r.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, model.CompApplied, row.Status, row.Action)
	}
	require.Len(t, h.notes.Of(queue.KeyCompensation), 1)
	assert.Equal(t, "confirm_reservation", h.notes.Of(queue.KeyCompensation)[0].Step)

	res, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, res.Reservation.Status)
	assert.Equal(t, res.PaymentID, *h.get(t, r.ID).PaymentID)
}

func TestAccept_OrderRejectedVoidsPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	h.orders.CreateFunc = func(req client.CreateOrderRequest, key string) (*client.Order, error) {
		assert.Equal(t, "accept:"+r.ID+":1:order", key)
		return nil, &client.CallError{Op: "create order", Status: 400, Kind: client.ErrRejected}
	}
	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	var partial *service.PartialSagaError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "create_order", partial.Step)
	assert.True(t, partial.Compensated)
	assert.Equal(t, model.StatusOffered, h.get(t, r.ID).Status)
	assert.Len(t, h.pay.Voided(), 1)
}

func TestAccept_CompensationFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	h.pay.VoidFunc = func(paymentID, key string) error {
		return &client.CallError{Op: "void payment", Kind: client.ErrUnavailable}
	}
	h.store.FailNextTransition(model.EventAccept, errors.New("deadlock"))
	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	var partial *service.PartialSagaError
	require.ErrorAs(t, err, &partial)
	assert.False(t, partial.Compensated)

	pending, err := h.comps.ListByStatus(ctx, model.CompPending, h.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.CompVoidPayment, pending[0].Action)
	assert.Equal(t, 1, pending[0].Attempts)

	h.pay.VoidFunc = nil
	rec, err := h.svc.RecoverCompensations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Applied)
	assert.Len(t, h.pay.Voided(), 1)
}

func TestAccept_UnknownOutcomeReusesKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	calls := 0
	h.pay.AuthorizeFunc = func(req client.AuthorizeRequest, key string) (*client.Authorization, error) {
		calls++
		if calls == 1 {
			return nil, &client.CallError{Op: "authorize payment", Kind: client.ErrUnavailable, Cause: context.DeadlineExceeded}
		}
		return &client.Authorization{PaymentID: "pay-same", Status: "authorized"}, nil
	}

	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.ErrorIs(t, err, service.ErrCollaboratorUnavailable)
	assert.Equal(t, model.StatusOffered, h.get(t, r.ID).Status)

	rec, err := h.ledger.Get(ctx, "accept:"+r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IdemFailed, rec.Status)
	assert.True(t, rec.UnknownOutcome)

	rows, err := h.comps.ListSaga(ctx, "accept:"+r.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CompArmed, rows[0].Status, "left for the retry or the recovery sweep")

	res, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.NoError(t, err)
	assert.Equal(t, "pay-same", res.PaymentID)
	keys := h.pay.AuthorizeKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "same downstream idempotency key")
}

func TestAccept_OfferNotActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")
	pending := h.create(t, "u2")

	cases := []struct {
		name   string
		id     string
		user   string
		reason string
	}{
		{"missing", "nope", "u1", service.ReasonNotFound},
		{"pending", pending.ID, "u2", service.ReasonWrongState},
		{"wrong holder", r.ID, "u2", service.ReasonWrongHolder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Accept(ctx, freshCharge(tc.id, tc.user))
			var na *service.OfferNotActiveError
			require.ErrorAs(t, err, &na)
			assert.ErrorIs(t, err, service.ErrOfferNotActive)
			assert.Equal(t, tc.reason, na.Reason)
		})
	}

	h.clock.Advance(15 * time.Minute)
	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	var na *service.OfferNotActiveError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, service.ReasonExpired, na.Reason)
	assert.Empty(t, h.pay.AuthorizeKeys())
}

func TestAccept_ValidatesInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	_, err := h.svc.Accept(ctx, service.AcceptRequest{ReservationID: r.ID, UserID: "u1"})
	assert.ErrorIs(t, err, service.ErrInvalidRequest, "billing flow is never guessed")

	req := freshCharge(r.ID, "u1")
	req.RequestedTime = ptr(h.slot.Time.Add(time.Hour))
	_, err = h.svc.Accept(ctx, req)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Equal(t, model.StatusOffered, h.get(t, r.ID).Status)
}
