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

// CompensationStore is an in-memory compensation table.
type CompensationStore struct {
	mu   sync.Mutex
	rows map[string]model.Compensation
}

// NewCompensationStore returns an empty table.
func NewCompensationStore() *CompensationStore {
	return &CompensationStore{rows: make(map[string]model.Compensation)}
}

// Arm inserts c, or refreshes the row with the same saga key, attempt and
// action by filling in identifiers learned since it was armed.
func (s *CompensationStore) Arm(ctx context.Context, c *model.Compensation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.SagaKey == c.SagaKey && row.Attempt == c.Attempt && row.Action == c.Action {
			row.Merge(c)
			row.UpdatedAt = now
			s.rows[id] = row
			*c = row
			return nil
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CompArmed
	}
	c.CreatedAt, c.UpdatedAt = now, now
	s.rows[c.ID] = *c
	return nil
}

// SetStatus moves every row of the saga attempt from one status to another
// and reports how many rows changed.
func (s *CompensationStore) SetStatus(ctx context.Context, sagaKey string, attempt int, from, to model.CompensationStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.SagaKey == sagaKey && row.Attempt == attempt && row.Status == from {
			row.Status = to
			row.UpdatedAt = now
			s.rows[id] = row
			n++
		}
	}
	return n, nil
}

// Resolve conditionally moves one row and records the outcome of an apply
// attempt.  lastErr non-empty counts a failed try.
func (s *CompensationStore) Resolve(ctx context.Context, id string, from, to model.CompensationStatus, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if row.Status != from {
		return repository.ErrStaleStatus
	}
	row.Status = to
	row.LastError = lastErr
	if from == model.CompPending {
		row.Attempts++
	}
	row.UpdatedAt = now
	s.rows[id] = row
	return nil
}

// ListSaga returns the rows armed by one saga attempt.
func (s *CompensationStore) ListSaga(ctx context.Context, sagaKey string, attempt int) ([]model.Compensation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Compensation, 0)
	for _, row := range s.rows {
		if row.SagaKey == sagaKey && row.Attempt == attempt {
			out = append(out, row)
		}
	}
	sortCompensations(out)
	return out, nil
}

// ListByStatus returns rows in status last touched at or before olderThan.
func (s *CompensationStore) ListByStatus(ctx context.Context, status model.CompensationStatus, olderThan time.Time, limit int) ([]model.Compensation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Compensation, 0)
	for _, row := range s.rows {
		if row.Status == status && !row.UpdatedAt.After(olderThan) {
			out = append(out, row)
		}
	}
	sortCompensations(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortCompensations(rows []model.Compensation) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].Action < rows[j].Action
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
