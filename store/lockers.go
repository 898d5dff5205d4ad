package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lockngo/locker"
)

const lockerColumns = `id, location, size, state, version, rental_id, battery, fault_reason, last_transition`

func scanLocker(scanner interface{ Scan(...any) error }) (locker.Locker, error) {
	var l locker.Locker
	var size, state, lastTransition string
	var battery sql.NullInt64
	if err := scanner.Scan(&l.ID, &l.Location, &size, &state, &l.Version, &l.RentalID, &battery, &l.FaultReason, &lastTransition); err != nil {
		return l, err
	}
	l.Size = locker.Size(size)
	l.State = locker.State(state)
	if !l.State.Valid() {
		return l, fmt.Errorf("locker %s: unknown state %q", l.ID, state)
	}
	if battery.Valid {
		b := int(battery.Int64)
		l.Battery = &b
	}
	l.LastTransition = parseTime(lastTransition)
	return l, nil
}

func (db *DB) ListLockers(ctx context.Context) ([]locker.Locker, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+lockerColumns+` FROM lockers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lockers []locker.Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, err
		}
		lockers = append(lockers, l)
	}
	return lockers, rows.Err()
}

func (db *DB) GetLocker(ctx context.Context, id string) (locker.Locker, error) {
	row := db.QueryRowContext(ctx, db.Q(`SELECT `+lockerColumns+` FROM lockers WHERE id=?`), id)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, locker.ErrLockerNotFound
	}
	return l, err
}

// CreateLocker registers a new locker. It fails if the id is taken.
func (db *DB) CreateLocker(ctx context.Context, l locker.Locker) error {
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO lockers (`+lockerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.Location, string(l.Size), string(l.State), l.Version, l.RentalID, batteryArg(l.Battery), l.FaultReason, formatTime(l.LastTransition))
	if err != nil {
		return fmt.Errorf("create locker %s: %w", l.ID, err)
	}
	return nil
}

// SaveLocker writes the committed state of a locker. Rows are only
// overwritten by an equal or newer version.
func (db *DB) SaveLocker(ctx context.Context, l locker.Locker) error {
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO lockers (`+lockerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			location=excluded.location, size=excluded.size, state=excluded.state, version=excluded.version,
			rental_id=excluded.rental_id, battery=excluded.battery, fault_reason=excluded.fault_reason,
			last_transition=excluded.last_transition
		WHERE lockers.version <= excluded.version`),
		l.ID, l.Location, string(l.Size), string(l.State), l.Version, l.RentalID, batteryArg(l.Battery), l.FaultReason, formatTime(l.LastTransition))
	if err != nil {
		return fmt.Errorf("save locker %s: %w", l.ID, err)
	}
	return nil
}

func (db *DB) SetLockerBattery(ctx context.Context, id string, battery int) error {
	_, err := db.ExecContext(ctx, db.Q(`UPDATE lockers SET battery=? WHERE id=?`), battery, id)
	return err
}

func batteryArg(b *int) any {
	if b == nil {
		return nil
	}
	return *b
}
