package memory

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
)

// Ledger is an in-memory idempotency ledger.
type Ledger struct {
	mu   sync.Mutex
	rows map[string]model.IdempotencyRecord
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger { return &Ledger{rows: make(map[string]model.IdempotencyRecord)} }

// Begin claims key.  It returns (record, true) when the caller now owns the
// operation and (record, false) when a previous attempt already succeeded.
// A live claim held by someone else yields repository.ErrInProgress.
func (l *Ledger) Begin(ctx context.Context, key string, lease time.Duration, now time.Time) (*model.IdempotencyRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[key]
	if !ok {
		rec = model.IdempotencyRecord{Key: key, Status: model.IdemInProgress, Attempt: 1, CreatedAt: now, UpdatedAt: now}
		l.rows[key] = rec
		return &rec, true, nil
	}
	switch rec.Status {
	case model.IdemSucceeded:
		return &rec, false, nil
	case model.IdemInProgress:
		if now.Sub(rec.UpdatedAt) < lease {
			return nil, false, repository.ErrInProgress
		}
		// the previous owner vanished mid-flight: outcome unknown, same attempt
	case model.IdemFailed:
		rec.Attempt = rec.NextAttempt()
	}
	rec.Status = model.IdemInProgress
	rec.UnknownOutcome = false
	rec.UpdatedAt = now
	l.rows[key] = rec
	return &rec, true, nil
}

// Succeed stores the outcome of a finished operation.
func (l *Ledger) Succeed(ctx context.Context, key string, attempt int, outcome []byte, now time.Time) error {
	return l.finish(key, attempt, func(r *model.IdempotencyRecord) {
		r.Status = model.IdemSucceeded
		r.Outcome = append([]byte(nil), outcome...)
		r.LastError = ""
	}, now)
}

// Fail releases the claim.  unknownOutcome keeps the attempt number for the
// next claim so downstream idempotency keys are reused.
func (l *Ledger) Fail(ctx context.Context, key string, attempt int, unknownOutcome bool, reason string, now time.Time) error {
	return l.finish(key, attempt, func(r *model.IdempotencyRecord) {
		r.Status = model.IdemFailed
		r.UnknownOutcome = unknownOutcome
		r.LastError = reason
	}, now)
}

// Get returns the record for key.
func (l *Ledger) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (l *Ledger) finish(key string, attempt int, mut func(*model.IdempotencyRecord), now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[key]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.Status != model.IdemInProgress || rec.Attempt != attempt {
		return repository.ErrStaleStatus
	}
	mut(&rec)
	rec.UpdatedAt = now
	l.rows[key] = rec
	return nil
}
