package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lockngo/locker"
)

// Reservation statuses.
const (
	ReservationHeld      = locker.ReservationHeld
	ReservationCommitted = locker.ReservationCommitted
	ReservationReleased  = locker.ReservationReleased
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation already settled")
)

// Ledger holds renter balances and the reservations against them. All three
// reservation operations are keyed by reservation id and idempotent.
type Ledger struct {
	db *DB
}

func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

type Reservation struct {
	ID       string `json:"id"`
	RenterID string `json:"renter_id"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

// Reserve places a hold of amount against the renter's available balance.
// A repeated call with the same reservation id is a no-op.
func (l *Ledger) Reserve(ctx context.Context, reservationID, renterID string, amount int64) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := l.reservation(ctx, tx, reservationID)
		if err == nil {
			if existing.Status == ReservationReleased {
				return fmt.Errorf("reserve %s: %w", reservationID, ErrReservationClosed)
			}
			return nil
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return err
		}

		if _, err := tx.ExecContext(ctx, l.db.Q(`INSERT INTO balances (renter_id, balance) VALUES (?, 0) ON CONFLICT (renter_id) DO NOTHING`), renterID); err != nil {
			return err
		}
		var balance int64
		if err := tx.QueryRowContext(ctx, l.db.Q(`SELECT balance FROM balances WHERE renter_id=?`+l.db.dialect.ForUpdate()), renterID).Scan(&balance); err != nil {
			return err
		}
		var held int64
		if err := tx.QueryRowContext(ctx, l.db.Q(`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM reservations WHERE renter_id=? AND status=?`),
			renterID, ReservationHeld).Scan(&held); err != nil {
			return err
		}
		if balance-held < amount {
			return locker.ErrInsufficientBalance
		}
		ts := now()
		_, err = tx.ExecContext(ctx, l.db.Q(`INSERT INTO reservations (id, renter_id, amount, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
			reservationID, renterID, amount, ReservationHeld, ts, ts)
		return err
	})
}

// Commit converts a held reservation into a charge.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		r, err := l.reservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch r.Status {
		case ReservationCommitted:
			return nil
		case ReservationReleased:
			return fmt.Errorf("commit %s: %w", reservationID, ErrReservationClosed)
		}
		if _, err := tx.ExecContext(ctx, l.db.Q(`UPDATE reservations SET status=?, updated_at=? WHERE id=?`),
			ReservationCommitted, now(), reservationID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, l.db.Q(`UPDATE balances SET balance = balance - ? WHERE renter_id=?`), r.Amount, r.RenterID)
		return err
	})
}

// Release drops a hold without charging.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		r, err := l.reservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch r.Status {
		case ReservationReleased:
			return nil
		case ReservationCommitted:
			return fmt.Errorf("release %s: %w", reservationID, ErrReservationClosed)
		}
		_, err = tx.ExecContext(ctx, l.db.Q(`UPDATE reservations SET status=?, updated_at=? WHERE id=?`),
			ReservationReleased, now(), reservationID)
		return err
	})
}

// Credit adds funds to a renter's balance.
func (l *Ledger) Credit(ctx context.Context, renterID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	_, err := l.db.ExecContext(ctx, l.db.Q(`INSERT INTO balances (renter_id, balance) VALUES (?, ?)
		ON CONFLICT (renter_id) DO UPDATE SET balance = balances.balance + excluded.balance`), renterID, amount)
	return err
}

// Balance returns the renter's booked balance and the amount currently held.
func (l *Ledger) Balance(ctx context.Context, renterID string) (balance, held int64, err error) {
	err = l.db.QueryRowContext(ctx, l.db.Q(`SELECT COALESCE((SELECT balance FROM balances WHERE renter_id=?), 0)`), renterID).Scan(&balance)
	if err != nil {
		return 0, 0, err
	}
	err = l.db.QueryRowContext(ctx, l.db.Q(`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM reservations WHERE renter_id=? AND status=?`),
		renterID, ReservationHeld).Scan(&held)
	return balance, held, err
}

// ReservationStatus returns the status of a reservation.
func (l *Ledger) ReservationStatus(ctx context.Context, reservationID string) (string, error) {
	r, err := l.reservation(ctx, l.db.DB, reservationID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *Ledger) reservation(ctx context.Context, q querier, id string) (*Reservation, error) {
	var r Reservation
	err := q.QueryRowContext(ctx, l.db.Q(`SELECT id, renter_id, amount, status FROM reservations WHERE id=?`), id).
		Scan(&r.ID, &r.RenterID, &r.Amount, &r.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
