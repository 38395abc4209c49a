package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/service"
)

func TestDecline_Preconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	_, err := h.svc.Decline(ctx, r.ID, "u2")
	var na *service.OfferNotActiveError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, service.ReasonWrongHolder, na.Reason)
	assert.Equal(t, model.StatusOffered, h.get(t, r.ID).Status)

	_, err = h.svc.Decline(ctx, "missing", "u1")
	require.ErrorAs(t, err, &na)
	assert.Equal(t, service.ReasonNotFound, na.Reason)

	res, err := h.svc.Decline(ctx, r.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, res.NextOffer)
	assert.Equal(t, "Offer declined, slot left unclaimed", res.Message)

	replay, err := h.svc.Decline(ctx, r.ID, "u1")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Len(t, h.notes.Of(queue.KeyDeclined), 1)
}

func TestDecline_AfterAcceptIsNotActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.NoError(t, err)

	_, err = h.svc.Decline(ctx, r.ID, "u1")
	var na *service.OfferNotActiveError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, service.ReasonWrongState, na.Reason)
	assert.Equal(t, model.StatusBooked, na.Status)
}

func TestExpireOffers_SkipsLiveOffers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")

	res, err := h.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	h.clock.Advance(15 * time.Minute)
	res, err = h.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired, "deadline reached counts as elapsed")
	assert.Equal(t, model.StatusExpired, h.get(t, r.ID).Status)
	assert.Nil(t, h.get(t, r.ID).OfferDeadline)
	assert.Len(t, h.notes.Of(queue.KeyExpired), 1)
}

func TestExpireOffers_ConcurrentSweepsAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r0 := h.create(t, "u0")
	r1 := h.create(t, "u1")
	r2 := h.create(t, "u2")
	r3 := h.create(t, "u3")
	_, err := h.svc.Cancel(ctx, r0.ID, "u0")
	require.NoError(t, err)
	require.Equal(t, model.StatusOffered, h.get(t, r1.ID).Status)

	h.clock.Advance(20 * time.Minute)

	const sweepers = 8
	var wg sync.WaitGroup
	results := make([]service.SweepResult, sweepers)
	errs := make([]error, sweepers)
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.ExpireOffers(ctx)
		}(i)
	}
	wg.Wait()

	expired := 0
	for i := range results {
		require.NoError(t, errs[i])
		expired += results[i].Expired
	}
	assert.Equal(t, 1, expired)
	assert.Equal(t, model.StatusExpired, h.get(t, r1.ID).Status)
	assert.Equal(t, model.StatusOffered, h.get(t, r2.ID).Status, "R2, not a reservation past it, is offered")
	assert.Equal(t, model.StatusPending, h.get(t, r3.ID).Status)
	assert.Len(t, h.notes.Of(queue.KeyOfferNotice), 2)
}

func TestExpiryRacesAccept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := offerTo(t, h, "u1")
	h.create(t, "u2")

	// accepted just before the deadline, a later sweep has nothing to expire
	h.clock.Advance(14 * time.Minute)
	_, err := h.svc.Accept(ctx, freshCharge(r.ID, "u1"))
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	res, err := h.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Equal(t, model.StatusBooked, h.get(t, r.ID).Status)
	offered, booked := h.claimCount(t, h.slot)
	assert.Equal(t, 0, offered)
	assert.Equal(t, 1, booked)
}

// waitlist books u0 and queues the given users behind it.
func waitlist(t *testing.T, h *harness, users ...string) []*model.Reservation {
	t.Helper()
	out := []*model.Reservation{h.create(t, "u0")}
	for _, u := range users {
		out = append(out, h.create(t, u))
	}
	return out
}

func TestRecover_ReoffersAfterFailedExpiryReallocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs := waitlist(t, h, "u1", "u2")
	_, err := h.svc.Cancel(ctx, rs[0].ID, "u0")
	require.NoError(t, err)
	require.Equal(t, model.StatusOffered, h.get(t, rs[1].ID).Status)

	h.clock.Advance(20 * time.Minute)
	h.store.FailNextTransition(model.EventOffer, errors.New("connection reset by peer"))
	sweep, err := h.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Failed)
	assert.Equal(t, model.StatusExpired, h.get(t, rs[1].ID).Status)
	assert.Equal(t, model.StatusPending, h.get(t, rs[2].ID).Status)

	late := h.create(t, "u3")
	assert.Equal(t, model.StatusPending, late.Status, "a freed slot with a waitlist is not handed to a newcomer")

	sweep, err = h.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.Scanned)

	res, err := h.svc.RecoverCompensations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reoffered)
	r2 := h.get(t, rs[2].ID)
	assert.Equal(t, model.StatusOffered, r2.Status)
	require.NotNil(t, r2.OfferDeadline)
	assert.Equal(t, model.StatusPending, h.get(t, late.ID).Status)

	res, err = h.svc.RecoverCompensations(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reoffered, "a claimed slot is left alone")
	offered, booked := h.claimCount(t, h.slot)
	assert.Equal(t, 1, offered)
	assert.Equal(t, 0, booked)
}

func TestRecover_ReoffersAfterFailedDeclineReallocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs := waitlist(t, h, "u1", "u2")
	_, err := h.svc.Cancel(ctx, rs[0].ID, "u0")
	require.NoError(t, err)

	h.store.FailNextTransition(model.EventOffer, errors.New("deadlock"))
	_, err = h.svc.Decline(ctx, rs[1].ID, "u1")
	require.Error(t, err)
	assert.Equal(t, model.StatusDeclined, h.get(t, rs[1].ID).Status)
	assert.Equal(t, model.StatusPending, h.get(t, rs[2].ID).Status)

	res, err := h.svc.RecoverCompensations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reoffered)
	assert.Equal(t, model.StatusOffered, h.get(t, rs[2].ID).Status)
	assert.Len(t, h.notes.Of(queue.KeyOfferNotice), 2)
}

func TestRecover_ReoffersAfterFailedCancelReallocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs := waitlist(t, h, "u1")

	h.store.FailNextTransition(model.EventOffer, errors.New("deadlock"))
	_, err := h.svc.Cancel(ctx, rs[0].ID, "u0")
	require.Error(t, err)
	assert.Equal(t, model.StatusCancelled, h.get(t, rs[0].ID).Status)
	assert.Equal(t, model.StatusPending, h.get(t, rs[1].ID).Status)

	res, err := h.svc.RecoverCompensations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reoffered)
	assert.Equal(t, model.StatusOffered, h.get(t, rs[1].ID).Status)
	assert.True(t, h.get(t, rs[1].ID).HeldBy("u1"))
}

func TestDecline_ResumeChecksHolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs := waitlist(t, h, "u1", "u2")
	_, err := h.svc.Cancel(ctx, rs[0].ID, "u0")
	require.NoError(t, err)

	h.store.FailNextTransition(model.EventOffer, errors.New("deadlock"))
	_, err = h.svc.Decline(ctx, rs[1].ID, "u1")
	require.Error(t, err)

	_, err = h.svc.Decline(ctx, rs[1].ID, "u2")
	var na *service.OfferNotActiveError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, service.ReasonWrongHolder, na.Reason)
	assert.Equal(t, model.StatusPending, h.get(t, rs[2].ID).Status, "another user cannot finish the decline")

	res, err := h.svc.Decline(ctx, rs[1].ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, res.NextOffer)
	assert.Equal(t, rs[2].ID, res.NextOffer.ID)
}
