package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/reservation-reallocation/internal/model"
)

// CompensationRepo is the SQL compensation table.  Rows are unique per
// (saga_key, attempt, action).
type CompensationRepo struct {
	db *sql.DB
}

// NewCompensationRepo returns a CompensationRepo bound to db.
func NewCompensationRepo(db *sql.DB) *CompensationRepo { return &CompensationRepo{db: db} }

const compensationColumns = `id, saga_key, attempt, reservation_id, action, status, payment_id, payment_key,
	order_id, order_key, order_type, amount_cents, attempts, last_error, created_at, updated_at`

// Arm inserts c, or refreshes the row with the same saga key, attempt and
// action by filling in identifiers learned since it was armed.
func (r *CompensationRepo) Arm(ctx context.Context, c *model.Compensation, now time.Time) error {
	ts := dbTime(now)
	for i := 0; i < 2; i++ {
		row, err := r.find(ctx, c.SagaKey, c.Attempt, c.Action)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if row != nil {
			row.Merge(c)
			if _, err := r.db.ExecContext(ctx, `UPDATE compensations SET payment_id = ?, payment_key = ?, order_id = ?,
				order_key = ?, order_type = ?, amount_cents = ?, updated_at = ? WHERE id = ?`,
				row.PaymentID, row.PaymentKey, row.OrderID, row.OrderKey, row.OrderType, row.AmountCents, ts, row.ID); err != nil {
				return err
			}
			row.UpdatedAt = ts
			*c = *row
			return nil
		}

		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = model.CompArmed
		}
		c.CreatedAt, c.UpdatedAt = ts, ts
		_, err = r.db.ExecContext(ctx, `INSERT INTO compensations (`+compensationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
			c.ID, c.SagaKey, c.Attempt, c.ReservationID, string(c.Action), string(c.Status), c.PaymentID, c.PaymentKey,
			c.OrderID, c.OrderKey, c.OrderType, c.AmountCents, ts, ts)
		if err == nil {
			return nil
		}
		if !isDuplicate(err) {
			return err
		}
		// lost the insert race, merge into the winner's row
		c.ID = ""
	}
	return ErrInProgress
}

// SetStatus moves every row of the saga attempt from one status to another
// and reports how many rows changed.
func (r *CompensationRepo) SetStatus(ctx context.Context, sagaKey string, attempt int, from, to model.CompensationStatus, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE compensations SET status = ?, updated_at = ?
		WHERE saga_key = ? AND attempt = ? AND status = ?`,
		string(to), dbTime(now), sagaKey, attempt, string(from))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Resolve conditionally moves one row and records the outcome of an apply
// attempt.  Leaving PENDING counts a try.
func (r *CompensationRepo) Resolve(ctx context.Context, id string, from, to model.CompensationStatus, lastErr string, now time.Time) error {
	inc := 0
	if from == model.CompPending {
		inc = 1
	}
	res, err := r.db.ExecContext(ctx, `UPDATE compensations SET status = ?, last_error = ?, attempts = attempts + ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), truncate(lastErr, 1024), inc, dbTime(now), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := r.db.QueryRowContext(ctx, `SELECT status FROM compensations WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

// ListSaga returns the rows armed by one saga attempt.
func (r *CompensationRepo) ListSaga(ctx context.Context, sagaKey string, attempt int) ([]model.Compensation, error) {
	return r.list(ctx, `SELECT `+compensationColumns+` FROM compensations
		WHERE saga_key = ? AND attempt = ? ORDER BY created_at ASC, action ASC`, sagaKey, attempt)
}

// ListByStatus returns rows in status last touched at or before olderThan.
func (r *CompensationRepo) ListByStatus(ctx context.Context, status model.CompensationStatus, olderThan time.Time, limit int) ([]model.Compensation, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+compensationColumns+` FROM compensations
		WHERE status = ? AND updated_at <= ? ORDER BY created_at ASC, action ASC LIMIT ?`,
		string(status), dbTime(olderThan), limit)
}

func (r *CompensationRepo) find(ctx context.Context, sagaKey string, attempt int, action model.CompensationAction) (*model.Compensation, error) {
	rows, err := r.list(ctx, `SELECT `+compensationColumns+` FROM compensations
		WHERE saga_key = ? AND attempt = ? AND action = ?`, sagaKey, attempt, string(action))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (r *CompensationRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.Compensation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Compensation, 0)
	for rows.Next() {
		var (
			c              model.Compensation
			action, status string
		)
		if err := rows.Scan(&c.ID, &c.SagaKey, &c.Attempt, &c.ReservationID, &action, &status, &c.PaymentID,
			&c.PaymentKey, &c.OrderID, &c.OrderKey, &c.OrderType, &c.AmountCents, &c.Attempts, &c.LastError,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Action = model.CompensationAction(action)
		c.Status = model.CompensationStatus(status)
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
