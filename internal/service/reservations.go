package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// Create requests a slot.  The party is booked outright when the slot is
// free and nobody is waiting, otherwise it joins the waitlist.
func (s *ReallocationService) Create(ctx context.Context, in model.NewReservation) (*model.Reservation, error) {
	if err := in.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	r, err := s.store.Create(ctx, in, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("reservation created", zap.String("reservation_id", r.ID), zap.String("slot", r.Slot().Key()),
		zap.String("status", string(r.Status)), zap.Int64("waitlist_position", r.WaitlistPosition))
	return r, nil
}

// Get is a fresh read of one reservation.
func (s *ReallocationService) Get(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

// ListByUser returns the user's reservations, newest first.
func (s *ReallocationService) ListByUser(ctx context.Context, userID string) ([]model.Reservation, error) {
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	return s.store.ListByUser(ctx, userID)
}

// ListBySlot returns the slot's reservations in waitlist order.
func (s *ReallocationService) ListBySlot(ctx context.Context, slot model.Slot) ([]model.Reservation, error) {
	return s.store.ListBySlot(ctx, slot)
}
