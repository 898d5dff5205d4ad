package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lockngo/locker"
)

const rentalColumns = `id, locker_id, renter_id, size, amount_reserved, reservation_id, idempotency_key,
	requested_at, unlocked_at, released_at, outcome, needs_review, detail`

func scanRental(scanner interface{ Scan(...any) error }) (*locker.Rental, error) {
	var r locker.Rental
	var size, requestedAt, outcome string
	var unlockedAt, releasedAt sql.NullString
	var needsReview int
	if err := scanner.Scan(&r.ID, &r.LockerID, &r.RenterID, &size, &r.AmountReserved, &r.ReservationID,
		&r.IdempotencyKey, &requestedAt, &unlockedAt, &releasedAt, &outcome, &needsReview, &r.Detail); err != nil {
		return nil, err
	}
	r.Size = locker.Size(size)
	r.RequestedAt = parseTime(requestedAt)
	r.UnlockedAt = timePtr(unlockedAt)
	r.ReleasedAt = timePtr(releasedAt)
	r.Outcome = locker.Outcome(outcome)
	r.NeedsReview = needsReview != 0
	return &r, nil
}

// SaveRental inserts or replaces a rental record.
func (db *DB) SaveRental(ctx context.Context, r *locker.Rental) error {
	review := 0
	if r.NeedsReview {
		review = 1
	}
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO rentals (`+rentalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			unlocked_at=excluded.unlocked_at, released_at=excluded.released_at, outcome=excluded.outcome,
			needs_review=excluded.needs_review, detail=excluded.detail`),
		r.ID, r.LockerID, r.RenterID, string(r.Size), r.AmountReserved, r.ReservationID, r.IdempotencyKey,
		formatTime(r.RequestedAt), nullTime(r.UnlockedAt), nullTime(r.ReleasedAt), string(r.Outcome), review, r.Detail)
	if err != nil {
		return fmt.Errorf("save rental %s: %w", r.ID, err)
	}
	return nil
}

func (db *DB) GetRental(ctx context.Context, id string) (*locker.Rental, error) {
	row := db.QueryRowContext(ctx, db.Q(`SELECT `+rentalColumns+` FROM rentals WHERE id=?`), id)
	r, err := scanRental(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, locker.ErrRentalNotFound
	}
	return r, err
}

func (db *DB) ListRentals(ctx context.Context, limit int) ([]*locker.Rental, error) {
	return db.queryRentals(ctx, `SELECT `+rentalColumns+` FROM rentals ORDER BY requested_at DESC LIMIT ?`, limit)
}

// ListActiveRentals returns rentals with no outcome yet.
func (db *DB) ListActiveRentals(ctx context.Context) ([]*locker.Rental, error) {
	return db.queryRentals(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE outcome='' ORDER BY requested_at`)
}

// ListFlaggedRentals returns rentals marked for manual review.
func (db *DB) ListFlaggedRentals(ctx context.Context, limit int) ([]*locker.Rental, error) {
	return db.queryRentals(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE needs_review=1 ORDER BY requested_at DESC LIMIT ?`, limit)
}

func (db *DB) ListRentalsByRenter(ctx context.Context, renterID string, limit int) ([]*locker.Rental, error) {
	return db.queryRentals(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE renter_id=? ORDER BY requested_at DESC LIMIT ?`, renterID, limit)
}

func (db *DB) queryRentals(ctx context.Context, query string, args ...any) ([]*locker.Rental, error) {
	rows, err := db.QueryContext(ctx, db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rentals []*locker.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		rentals = append(rentals, r)
	}
	return rentals, rows.Err()
}
