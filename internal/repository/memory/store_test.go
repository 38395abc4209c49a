package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

var (
	now  = time.Date(2026, 11, 20, 12, 0, 0, 0, time.UTC)
	slot = model.Slot{RestaurantID: "rest-1", Time: time.Date(2026, 11, 20, 19, 0, 0, 0, time.UTC), Bucket: "table-4"}
)

func create(t *testing.T, s *ReservationStore, user string) *model.Reservation {
	t.Helper()
	r, err := s.Create(context.Background(), model.NewReservation{UserID: user, Slot: slot, PartySize: 2}, now)
	require.NoError(t, err)
	return r
}

func offer(r *model.Reservation, deadline time.Time) model.Transition {
	tr, _ := model.Plan(r, model.EventOffer)
	tr.Holder = &r.UserID
	tr.OfferDeadline = &deadline
	return tr
}

func TestCreate_FirstBookedRestWait(t *testing.T) {
	s := NewReservationStore()
	a := create(t, s, "alice")
	b := create(t, s, "bob")
	c := create(t, s, "carol")

	assert.Equal(t, model.StatusBooked, a.Status)
	assert.True(t, a.HeldBy("alice"))
	assert.Equal(t, model.StatusPending, b.Status)
	assert.Nil(t, b.HolderUserID)
	assert.Less(t, b.WaitlistPosition, c.WaitlistPosition)

	next, err := s.NextPending(context.Background(), slot)
	require.NoError(t, err)
	assert.Equal(t, b.ID, next.ID)

	rows, err := s.ListBySlot(context.Background(), slot)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
}

func TestTransition_ConditionalAndClaim(t *testing.T) {
	ctx := context.Background()
	s := NewReservationStore()
	a := create(t, s, "alice")
	b := create(t, s, "bob")

	// bob cannot be offered while alice holds the slot
	_, err := s.Transition(ctx, offer(b, now.Add(time.Minute)), now)
	assert.ErrorIs(t, err, repository.ErrSlotClaimed)

	cancel, err := model.Plan(a, model.EventCancel)
	require.NoError(t, err)
	_, err = s.Transition(ctx, cancel, now)
	require.NoError(t, err)

	// the same plan again no longer matches the stored status
	_, err = s.Transition(ctx, cancel, now)
	assert.ErrorIs(t, err, repository.ErrStaleStatus)

	offered, err := s.Transition(ctx, offer(b, now.Add(time.Minute)), now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffered, offered.Status)
	assert.True(t, offered.HeldBy("bob"))

	holder, err := s.ClaimHolder(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, b.ID, holder.ID)

	_, err = s.Transition(ctx, model.Transition{ReservationID: "missing", From: model.StatusBooked, To: model.StatusCancelled}, now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTransition_DeadlineGuard(t *testing.T) {
	ctx := context.Background()
	s := NewReservationStore()
	a := create(t, s, "alice")
	b := create(t, s, "bob")
	cancel, _ := model.Plan(a, model.EventCancel)
	_, err := s.Transition(ctx, cancel, now)
	require.NoError(t, err)
	deadline := now.Add(time.Minute)
	offered, err := s.Transition(ctx, offer(b, deadline), now)
	require.NoError(t, err)

	accept, _ := model.Plan(offered, model.EventAccept)
	late := deadline
	accept.DeadlineAfter = &late
	_, err = s.Transition(ctx, accept, deadline)
	assert.ErrorIs(t, err, repository.ErrStaleStatus, "deadline equal to now is already lapsed")

	expired, err := s.ListExpiredOffers(ctx, deadline, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, b.ID, expired[0].ID)

	early := now
	accept.DeadlineAfter = &early
	booked, err := s.Transition(ctx, accept, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, booked.Status)
	assert.Nil(t, booked.OfferDeadline)
}

func TestListStrandedWaitlists(t *testing.T) {
	ctx := context.Background()
	s := NewReservationStore()
	a := create(t, s, "alice")
	b := create(t, s, "bob")
	create(t, s, "carol")

	none, err := s.ListStrandedWaitlists(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "a booked slot is not stranded")

	cancel, _ := model.Plan(a, model.EventCancel)
	_, err = s.Transition(ctx, cancel, now)
	require.NoError(t, err)
	heads, err := s.ListStrandedWaitlists(ctx, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, b.ID, heads[0].ID)

	_, err = s.Transition(ctx, offer(b, now.Add(time.Minute)), now)
	require.NoError(t, err)
	none, err = s.ListStrandedWaitlists(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFailNextTransition(t *testing.T) {
	ctx := context.Background()
	s := NewReservationStore()
	a := create(t, s, "alice")
	boom := errors.New("boom")
	s.FailNextTransition(model.EventCancel, boom)

	cancel, _ := model.Plan(a, model.EventCancel)
	_, err := s.Transition(ctx, cancel, now)
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, got.Status)

	s.FailNextTransition(model.EventCancel, boom)
	s.FailNextTransition(model.EventCancel, nil)
	_, err = s.Transition(ctx, cancel, now)
	assert.NoError(t, err)
}

func TestLedger_Lifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	lease := 2 * time.Minute

	rec, owned, err := l.Begin(ctx, "accept:r1", lease, now)
	require.NoError(t, err)
	require.True(t, owned)
	assert.Equal(t, 1, rec.Attempt)

	_, _, err = l.Begin(ctx, "accept:r1", lease, now.Add(time.Second))
	assert.ErrorIs(t, err, repository.ErrInProgress)

	require.NoError(t, l.Fail(ctx, "accept:r1", 1, true, "timeout", now))
	rec, owned, err = l.Begin(ctx, "accept:r1", lease, now)
	require.NoError(t, err)
	require.True(t, owned)
	assert.Equal(t, 1, rec.Attempt, "unknown outcome keeps the attempt")

	require.NoError(t, l.Fail(ctx, "accept:r1", 1, false, "declined", now))
	rec, _, err = l.Begin(ctx, "accept:r1", lease, now)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt, "terminal failure advances the attempt")

	assert.ErrorIs(t, l.Succeed(ctx, "accept:r1", 1, nil, now), repository.ErrStaleStatus)
	require.NoError(t, l.Succeed(ctx, "accept:r1", 2, []byte(`{"ok":true}`), now))

	rec, owned, err = l.Begin(ctx, "accept:r1", lease, now)
	require.NoError(t, err)
	assert.False(t, owned)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Outcome))
}

func TestLedger_LeaseTakeover(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_, _, err := l.Begin(ctx, "cancel:r1", time.Minute, now)
	require.NoError(t, err)

	rec, owned, err := l.Begin(ctx, "cancel:r1", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, owned)
	assert.Equal(t, 1, rec.Attempt)
}

func TestCompensationStore_ArmMergeResolve(t *testing.T) {
	ctx := context.Background()
	s := NewCompensationStore()

	c := &model.Compensation{SagaKey: "accept:r1", Attempt: 1, ReservationID: "r1", Action: model.CompVoidPayment, PaymentKey: "accept:r1:1:payment"}
	require.NoError(t, s.Arm(ctx, c, now))
	require.NotEmpty(t, c.ID)
	assert.Equal(t, model.CompArmed, c.Status)

	require.NoError(t, s.Arm(ctx, &model.Compensation{SagaKey: "accept:r1", Attempt: 1, Action: model.CompVoidPayment, PaymentID: "pay_1"}, now))
	rows, err := s.ListSaga(ctx, "accept:r1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "pay_1", rows[0].PaymentID)
	assert.Equal(t, "accept:r1:1:payment", rows[0].PaymentKey)

	n, err := s.SetStatus(ctx, "accept:r1", 1, model.CompArmed, model.CompPending, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListByStatus(ctx, model.CompPending, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.Resolve(ctx, c.ID, model.CompPending, model.CompPending, "still down", now))
	require.NoError(t, s.Resolve(ctx, c.ID, model.CompPending, model.CompApplied, "", now))
	assert.ErrorIs(t, s.Resolve(ctx, c.ID, model.CompPending, model.CompApplied, "", now), repository.ErrStaleStatus)

	rows, _ = s.ListSaga(ctx, "accept:r1", 1)
	assert.Equal(t, model.CompApplied, rows[0].Status)
	assert.Equal(t, 2, rows[0].Attempts)
}
