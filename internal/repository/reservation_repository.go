package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/iliyamo/reservation-reallocation/internal/model"
)

// ReservationRepo stores reservations in SQL.  Every status change is a
// conditional UPDATE keyed on the expected status, and the claim index
// rejects a second OFFERED/BOOKED row for the same slot.  All timestamps are
// stored in UTC.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, restaurant_id, slot_time, slot_bucket, party_size, user_id, holder_user_id,
	status, waitlist_position, offer_deadline, order_id, payment_id, price_cents, placeholder_charge,
	created_at, updated_at`

// createRetries bounds the retry loop when two inserts race for the same
// waitlist position or the same free slot.
const createRetries = 5

// Create inserts a reservation.  The first party of an unclaimed slot with no
// waiting parties is booked directly; everybody else joins the waitlist at
// the tail.
func (r *ReservationRepo) Create(ctx context.Context, in model.NewReservation, now time.Time) (*model.Reservation, error) {
	var lastErr error
	for i := 0; i < createRetries; i++ {
		res, err := r.createOnce(ctx, in, now)
		if err == nil {
			return res, nil
		}
		if !isDuplicate(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *ReservationRepo) createOnce(ctx context.Context, in model.NewReservation, now time.Time) (*model.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	key := in.Slot.Key()
	var lastPos int64
	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(waitlist_position), 0),
		        COALESCE(SUM(CASE WHEN status IN ('PENDING','OFFERED','BOOKED') THEN 1 ELSE 0 END), 0)
		   FROM reservations WHERE slot_key = ?`, key).Scan(&lastPos, &active); err != nil {
		return nil, err
	}

	ts := dbTime(now)
	res := &model.Reservation{
		ID:               uuid.NewString(),
		RestaurantID:     in.Slot.RestaurantID,
		SlotTime:         dbTime(in.Slot.Time),
		SlotBucket:       in.Slot.Bucket,
		PartySize:        in.PartySize,
		UserID:           in.UserID,
		Status:           model.StatusPending,
		WaitlistPosition: lastPos + 1,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if active == 0 {
		holder := in.UserID
		res.Status = model.StatusBooked
		res.HolderUserID = &holder
	}

	const q = `INSERT INTO reservations (id, restaurant_id, slot_time, slot_bucket, slot_key, party_size, user_id,
		holder_user_id, status, waitlist_position, price_cents, placeholder_charge, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, res.ID, res.RestaurantID, res.SlotTime, res.SlotBucket, key,
		res.PartySize, res.UserID, nullString(res.HolderUserID), string(res.Status), res.WaitlistPosition,
		false, ts, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return res, nil
}

// Get returns the reservation with id or ErrNotFound.
func (r *ReservationRepo) Get(ctx context.Context, id string) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// ListByUser returns the user's reservations, newest first.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID string) ([]model.Reservation, error) {
	return r.list(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE user_id = ?
		ORDER BY created_at DESC, waitlist_position DESC`, userID)
}

// ListBySlot returns every reservation of the slot ordered by waitlist position.
func (r *ReservationRepo) ListBySlot(ctx context.Context, slot model.Slot) ([]model.Reservation, error) {
	return r.list(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE slot_key = ?
		ORDER BY waitlist_position ASC`, slot.Key())
}

// ClaimHolder returns the OFFERED or BOOKED reservation of the slot, or nil.
func (r *ReservationRepo) ClaimHolder(ctx context.Context, slot model.Slot) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE slot_key = ? AND status IN ('OFFERED','BOOKED') LIMIT 1`, slot.Key())
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

// NextPending returns the PENDING reservation with the smallest waitlist
// position, or nil when the waitlist is exhausted.
func (r *ReservationRepo) NextPending(ctx context.Context, slot model.Slot) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE slot_key = ? AND status = 'PENDING' ORDER BY waitlist_position ASC LIMIT 1`, slot.Key())
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

// Transition applies t with a single conditional UPDATE.  It returns
// ErrStaleStatus when the row is no longer in t.From (or the offer deadline
// already passed), ErrSlotClaimed when the claim index rejects the write and
// ErrNotFound when the row does not exist.
func (r *ReservationRepo) Transition(ctx context.Context, t model.Transition, now time.Time) (*model.Reservation, error) {
	sets := []string{"status = ?", "updated_at = ?", "offer_deadline = ?"}
	args := []interface{}{string(t.To), dbTime(now)}
	if t.To == model.StatusOffered {
		if t.OfferDeadline == nil {
			return nil, model.ErrInvalidStateTransition
		}
		args = append(args, dbTime(*t.OfferDeadline))
	} else {
		args = append(args, nil)
	}
	if t.Holder != nil {
		sets = append(sets, "holder_user_id = ?")
		args = append(args, *t.Holder)
	}
	if t.To == model.StatusBooked {
		sets = append(sets, "order_id = ?", "payment_id = ?", "price_cents = ?", "placeholder_charge = ?")
		args = append(args, nullString(t.OrderID), nullString(t.PaymentID), t.PriceCents, t.PlaceholderCharge)
		if t.PartySize > 0 {
			sets = append(sets, "party_size = ?")
			args = append(args, t.PartySize)
		}
	}

	q := `UPDATE reservations SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, t.ReservationID, string(t.From))
	if t.DeadlineAfter != nil {
		q += ` AND offer_deadline > ?`
		args = append(args, dbTime(*t.DeadlineAfter))
	}

	result, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrSlotClaimed
		}
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var status string
		err := r.db.QueryRowContext(ctx, `SELECT status FROM reservations WHERE id = ?`, t.ReservationID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrStaleStatus
	}
	return r.Get(ctx, t.ReservationID)
}

// ListExpiredOffers returns OFFERED reservations whose deadline is not after
// now, oldest deadline first.
func (r *ReservationRepo) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'OFFERED' AND offer_deadline <= ?
		ORDER BY offer_deadline ASC LIMIT ?`, dbTime(now), limit)
}

// ListStrandedWaitlists returns the head of every waitlist whose slot has no
// OFFERED or BOOKED reservation, least recently touched first.  Such a slot
// was freed but its reallocation never completed.
func (r *ReservationRepo) ListStrandedWaitlists(ctx context.Context, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+reservationColumns+` FROM reservations r
		WHERE r.status = 'PENDING'
		AND NOT EXISTS (SELECT 1 FROM reservations c
			WHERE c.slot_key = r.slot_key AND c.status IN ('OFFERED','BOOKED'))
		AND NOT EXISTS (SELECT 1 FROM reservations p
			WHERE p.slot_key = r.slot_key AND p.status = 'PENDING' AND p.waitlist_position < r.waitlist_position)
		ORDER BY r.updated_at ASC LIMIT ?`, limit)
}

func (r *ReservationRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(s rowScanner) (*model.Reservation, error) {
	var (
		res      model.Reservation
		status   string
		holder   sql.NullString
		deadline sql.NullTime
		orderID  sql.NullString
		payID    sql.NullString
	)
	if err := s.Scan(&res.ID, &res.RestaurantID, &res.SlotTime, &res.SlotBucket, &res.PartySize, &res.UserID,
		&holder, &status, &res.WaitlistPosition, &deadline, &orderID, &payID, &res.PriceCents,
		&res.PlaceholderCharge, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	res.Status = model.Status(status)
	res.SlotTime = res.SlotTime.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	res.HolderUserID = stringPtr(holder)
	res.OrderID = stringPtr(orderID)
	res.PaymentID = stringPtr(payID)
	if deadline.Valid {
		d := deadline.Time.UTC()
		res.OfferDeadline = &d
	}
	return &res, nil
}

// isDuplicate reports whether err is a unique-key violation on either
// supported driver.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func dbTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
