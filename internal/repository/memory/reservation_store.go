// Package memory provides in-process implementations of the reservation
// store, idempotency ledger and compensation table.  They honour the same
// conditional-update contract as the SQL repositories and back the service
// when STORE_DRIVER=memory as well as the unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// ReservationStore keeps reservations in a map guarded by a mutex.
type ReservationStore struct {
	mu       sync.Mutex
	rows     map[string]model.Reservation
	lastPos  map[string]int64
	failNext map[model.Event]error
}

// NewReservationStore returns an empty store.
func NewReservationStore() *ReservationStore {
	return &ReservationStore{
		rows:     make(map[string]model.Reservation),
		lastPos:  make(map[string]int64),
		failNext: make(map[model.Event]error),
	}
}

// FailNextTransition makes the next transition for ev return err without
// writing anything.  A nil err clears a pending fault.  It is a
// fault-injection hook for tests.
func (s *ReservationStore) FailNextTransition(ev model.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failNext, ev)
		return
	}
	s.failNext[ev] = err
}

// Create inserts a reservation.  The first party of an unclaimed slot with no
// waiting parties is booked directly; everybody else joins the waitlist.
func (s *ReservationStore) Create(ctx context.Context, in model.NewReservation, now time.Time) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := in.Slot.Key()
	s.lastPos[key]++
	r := model.Reservation{
		ID:               uuid.NewString(),
		RestaurantID:     in.Slot.RestaurantID,
		SlotTime:         in.Slot.Time.UTC(),
		SlotBucket:       in.Slot.Bucket,
		PartySize:        in.PartySize,
		UserID:           in.UserID,
		Status:           model.StatusPending,
		WaitlistPosition: s.lastPos[key],
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.claimLocked(key) == nil && s.nextPendingLocked(key) == nil {
		holder := in.UserID
		r.Status = model.StatusBooked
		r.HolderUserID = &holder
	}
	s.rows[r.ID] = r
	out := r
	return &out, nil
}

// Get returns a copy of the reservation with id.
func (s *ReservationStore) Get(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

// ListByUser returns the user's reservations, newest first.
func (s *ReservationStore) ListByUser(ctx context.Context, userID string) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Reservation, 0)
	for _, r := range s.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WaitlistPosition > out[j].WaitlistPosition
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListBySlot returns every reservation of the slot ordered by waitlist position.
func (s *ReservationStore) ListBySlot(ctx context.Context, slot model.Slot) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slot.Key()
	out := make([]model.Reservation, 0)
	for _, r := range s.rows {
		if r.Slot().Key() == key {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaitlistPosition < out[j].WaitlistPosition })
	return out, nil
}

// ClaimHolder returns the OFFERED or BOOKED reservation of the slot, or nil.
func (s *ReservationStore) ClaimHolder(ctx context.Context, slot model.Slot) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(slot.Key()), nil
}

// NextPending returns the PENDING reservation with the smallest waitlist
// position, or nil when the waitlist is exhausted.
func (s *ReservationStore) NextPending(ctx context.Context, slot model.Slot) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPendingLocked(slot.Key()), nil
}

// Transition applies t if the reservation is still in t.From.
func (s *ReservationStore) Transition(ctx context.Context, t model.Transition, now time.Time) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failNext[t.Event]; ok {
		delete(s.failNext, t.Event)
		return nil, err
	}
	if t.To == model.StatusOffered && t.OfferDeadline == nil {
		return nil, model.ErrInvalidStateTransition
	}
	cur, ok := s.rows[t.ReservationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if cur.Status != t.From {
		return nil, repository.ErrStaleStatus
	}
	if t.DeadlineAfter != nil && (cur.OfferDeadline == nil || !cur.OfferDeadline.After(*t.DeadlineAfter)) {
		return nil, repository.ErrStaleStatus
	}
	if t.To.Claims() && !t.From.Claims() {
		if other := s.claimLocked(cur.Slot().Key()); other != nil && other.ID != cur.ID {
			return nil, repository.ErrSlotClaimed
		}
	}
	next := model.Apply(cur, t, now)
	s.rows[next.ID] = next
	return &next, nil
}

// ListExpiredOffers returns OFFERED reservations whose deadline is not after now.
func (s *ReservationStore) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Reservation, 0)
	for _, r := range s.rows {
		if r.Status == model.StatusOffered && r.OfferDeadline != nil && !r.OfferDeadline.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferDeadline.Before(*out[j].OfferDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStrandedWaitlists returns the head of every waitlist whose slot has no
// OFFERED or BOOKED reservation.
func (s *ReservationStore) ListStrandedWaitlists(ctx context.Context, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	out := make([]model.Reservation, 0)
	for _, r := range s.rows {
		key := r.Slot().Key()
		if r.Status != model.StatusPending || seen[key] {
			continue
		}
		seen[key] = true
		if s.claimLocked(key) != nil {
			continue
		}
		out = append(out, *s.nextPendingLocked(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReservationStore) claimLocked(key string) *model.Reservation {
	for _, r := range s.rows {
		if r.Status.Claims() && r.Slot().Key() == key {
			out := r
			return &out
		}
	}
	return nil
}

func (s *ReservationStore) nextPendingLocked(key string) *model.Reservation {
	var best *model.Reservation
	for _, r := range s.rows {
		if r.Status != model.StatusPending || r.Slot().Key() != key {
			continue
		}
		if best == nil || r.WaitlistPosition < best.WaitlistPosition {
			cp := r
			best = &cp
		}
	}
	return best
}
