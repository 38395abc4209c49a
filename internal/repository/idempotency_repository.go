package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/reservation-reallocation/internal/model"
)

// LedgerRepo is the SQL idempotency ledger.  A claim is taken by inserting
// the key or by a guarded UPDATE that only one caller can win.
type LedgerRepo struct {
	db *sql.DB
}

// NewLedgerRepo returns a LedgerRepo bound to db.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

// Begin claims key.  It returns (record, true) when the caller now owns the
// operation and (record, false) when a previous attempt already succeeded.
// A live claim held by someone else yields ErrInProgress.
func (l *LedgerRepo) Begin(ctx context.Context, key string, lease time.Duration, now time.Time) (*model.IdempotencyRecord, bool, error) {
	ts := dbTime(now)
	_, err := l.db.ExecContext(ctx, `INSERT INTO idempotency_records
		(op_key, status, attempt, unknown_outcome, last_error, created_at, updated_at)
		VALUES (?, ?, 1, ?, '', ?, ?)`, key, string(model.IdemInProgress), false, ts, ts)
	if err == nil {
		return &model.IdempotencyRecord{Key: key, Status: model.IdemInProgress, Attempt: 1, CreatedAt: ts, UpdatedAt: ts}, true, nil
	}
	if !isDuplicate(err) {
		return nil, false, err
	}

	rec, err := l.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	var res sql.Result
	switch rec.Status {
	case model.IdemSucceeded:
		return rec, false, nil
	case model.IdemInProgress:
		cutoff := dbTime(now.Add(-lease))
		if rec.UpdatedAt.After(cutoff) {
			return nil, false, ErrInProgress
		}
		// the previous owner vanished mid-flight: outcome unknown, same attempt
		res, err = l.db.ExecContext(ctx, `UPDATE idempotency_records SET updated_at = ?, unknown_outcome = ?
			WHERE op_key = ? AND status = ? AND attempt = ? AND updated_at <= ?`,
			ts, false, key, string(model.IdemInProgress), rec.Attempt, cutoff)
	default:
		next := rec.NextAttempt()
		res, err = l.db.ExecContext(ctx, `UPDATE idempotency_records
			SET status = ?, attempt = ?, unknown_outcome = ?, updated_at = ?
			WHERE op_key = ? AND status = ? AND attempt = ?`,
			string(model.IdemInProgress), next, false, ts, key, string(rec.Status), rec.Attempt)
		rec.Attempt = next
	}
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, ErrInProgress
	}
	rec.Status = model.IdemInProgress
	rec.UnknownOutcome = false
	rec.UpdatedAt = ts
	return rec, true, nil
}

// Succeed stores the outcome of a finished operation.
func (l *LedgerRepo) Succeed(ctx context.Context, key string, attempt int, outcome []byte, now time.Time) error {
	return l.finish(ctx, `UPDATE idempotency_records SET status = ?, outcome = ?, last_error = '', updated_at = ?
		WHERE op_key = ? AND status = ? AND attempt = ?`,
		string(model.IdemSucceeded), outcome, dbTime(now), key, string(model.IdemInProgress), attempt)
}

// Fail releases the claim.  unknownOutcome keeps the attempt number for the
// next claim so downstream idempotency keys are reused.
func (l *LedgerRepo) Fail(ctx context.Context, key string, attempt int, unknownOutcome bool, reason string, now time.Time) error {
	return l.finish(ctx, `UPDATE idempotency_records SET status = ?, unknown_outcome = ?, last_error = ?, updated_at = ?
		WHERE op_key = ? AND status = ? AND attempt = ?`,
		string(model.IdemFailed), unknownOutcome, truncate(reason, 1024), dbTime(now), key, string(model.IdemInProgress), attempt)
}

// Get returns the record for key or ErrNotFound.
func (l *LedgerRepo) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var (
		rec    model.IdempotencyRecord
		status string
		out    []byte
	)
	err := l.db.QueryRowContext(ctx, `SELECT op_key, status, attempt, unknown_outcome, outcome, last_error, created_at, updated_at
		FROM idempotency_records WHERE op_key = ?`, key).Scan(
		&rec.Key, &status, &rec.Attempt, &rec.UnknownOutcome, &out, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = model.IdempotencyStatus(status)
	if len(out) > 0 {
		rec.Outcome = out
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (l *LedgerRepo) finish(ctx context.Context, q string, args ...interface{}) error {
	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
