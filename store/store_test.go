package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lockngo/config"
	"lockngo/locker"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	cfg := &config.DatabaseConfig{Driver: "sqlite"}
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRebind(t *testing.T) {
	got := Rebind(`SELECT * FROM t WHERE a=? AND b='?' AND c=?`)
	want := `SELECT * FROM t WHERE a=$1 AND b='?' AND c=$2`
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
}

func TestLockerSaveIgnoresOlderVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	l := locker.Locker{ID: "L1", Location: "lobby", Size: locker.SizeMedium, State: locker.StateAvailable, Version: 1, LastTransition: time.Now()}
	if err := db.CreateLocker(ctx, l); err != nil {
		t.Fatalf("create: %v", err)
	}
	l.State = locker.StateReserved
	l.Version = 3
	l.RentalID = "r-1"
	if err := db.SaveLocker(ctx, l); err != nil {
		t.Fatalf("save v3: %v", err)
	}
	stale := l
	stale.State = locker.StateAvailable
	stale.Version = 2
	stale.RentalID = ""
	if err := db.SaveLocker(ctx, stale); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	got, err := db.GetLocker(ctx, "L1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 3 || got.State != locker.StateReserved || got.RentalID != "r-1" {
		t.Errorf("got %+v, want version 3 reserved", got)
	}
	if _, err := db.GetLocker(ctx, "nope"); !errors.Is(err, locker.ErrLockerNotFound) {
		t.Errorf("missing locker err = %v", err)
	}
}

func TestListLockersRejectsUnknownState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `INSERT INTO lockers (id, state, last_transition) VALUES ('L1', 'haunted', '')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ListLockers(ctx); err == nil {
		t.Fatal("expected an error for an unknown state")
	}
	if _, err := db.GetLocker(ctx, "L1"); err == nil {
		t.Fatal("expected an error for an unknown state")
	}
}

func TestLedgerReservationStatus(t *testing.T) {
	db := testDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()
	if _, err := ledger.ReservationStatus(ctx, "none"); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("missing reservation err = %v", err)
	}
	ledger.Credit(ctx, "u-1", 10)
	if err := ledger.Reserve(ctx, "res-1", "u-1", 10); err != nil {
		t.Fatal(err)
	}
	if st, _ := ledger.ReservationStatus(ctx, "res-1"); st != ReservationHeld {
		t.Errorf("status = %q, want held", st)
	}
	ledger.Commit(ctx, "res-1")
	if st, _ := ledger.ReservationStatus(ctx, "res-1"); st != ReservationCommitted {
		t.Errorf("status = %q, want committed", st)
	}
}

func TestLockerBattery(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.CreateLocker(ctx, locker.Locker{ID: "L1", Size: locker.SizeSmall, State: locker.StateAvailable}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetLockerBattery(ctx, "L1", 42); err != nil {
		t.Fatal(err)
	}
	lockers, err := db.ListLockers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lockers) != 1 || lockers[0].Battery == nil || *lockers[0].Battery != 42 {
		t.Errorf("lockers = %+v", lockers)
	}
}

func TestRentalRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := &locker.Rental{
		ID: "r-1", LockerID: "L1", RenterID: "u-1", Size: locker.SizeLarge,
		AmountReserved: 500, ReservationID: "res-1", RequestedAt: time.Now(),
	}
	if err := db.SaveRental(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	active, err := db.ListActiveRentals(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %v, %v", active, err)
	}

	released := time.Now()
	r.ReleasedAt = &released
	r.Outcome = locker.OutcomeCompleted
	if err := db.SaveRental(ctx, r); err != nil {
		t.Fatalf("save final: %v", err)
	}
	got, err := db.GetRental(ctx, "r-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != locker.OutcomeCompleted || got.ReleasedAt == nil || got.UnlockedAt != nil {
		t.Errorf("got %+v", got)
	}
	active, _ = db.ListActiveRentals(ctx)
	if len(active) != 0 {
		t.Errorf("active after completion = %d", len(active))
	}
	if _, err := db.GetRental(ctx, "missing"); !errors.Is(err, locker.ErrRentalNotFound) {
		t.Errorf("missing rental err = %v", err)
	}
}

func TestLedgerReserveCommitRelease(t *testing.T) {
	db := testDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	if err := ledger.Credit(ctx, "u-1", 100); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Reserve(ctx, "res-1", "u-1", 60); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Reserve(ctx, "res-1", "u-1", 60); err != nil {
		t.Fatalf("repeated reserve should be a no-op: %v", err)
	}
	if err := ledger.Reserve(ctx, "res-2", "u-1", 50); !errors.Is(err, locker.ErrInsufficientBalance) {
		t.Fatalf("second reserve err = %v, want insufficient balance", err)
	}

	balance, held, err := ledger.Balance(ctx, "u-1")
	if err != nil || balance != 100 || held != 60 {
		t.Fatalf("balance=%d held=%d err=%v", balance, held, err)
	}

	if err := ledger.Commit(ctx, "res-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := ledger.Commit(ctx, "res-1"); err != nil {
		t.Fatalf("repeated commit: %v", err)
	}
	if err := ledger.Release(ctx, "res-1"); !errors.Is(err, ErrReservationClosed) {
		t.Errorf("release after commit err = %v", err)
	}
	balance, held, _ = ledger.Balance(ctx, "u-1")
	if balance != 40 || held != 0 {
		t.Errorf("after commit balance=%d held=%d, want 40/0", balance, held)
	}

	if err := ledger.Reserve(ctx, "res-3", "u-1", 40); err != nil {
		t.Fatalf("reserve res-3: %v", err)
	}
	if err := ledger.Release(ctx, "res-3"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ledger.Release(ctx, "res-3"); err != nil {
		t.Fatalf("repeated release: %v", err)
	}
	balance, held, _ = ledger.Balance(ctx, "u-1")
	if balance != 40 || held != 0 {
		t.Errorf("after release balance=%d held=%d, want 40/0", balance, held)
	}
}

func TestLedgerUnknownRenterHasNoFunds(t *testing.T) {
	ledger := NewLedger(testDB(t))
	err := ledger.Reserve(context.Background(), "res-1", "ghost", 1)
	if !errors.Is(err, locker.ErrInsufficientBalance) {
		t.Errorf("err = %v, want insufficient balance", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	if err := db.EnqueueOutbox("events", []byte(`{"a":1}`), "locker.event", "L1"); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox("events", []byte(`{"a":2}`), "locker.event", "L1"); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListPendingOutbox(10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("pending = %d, %v", len(msgs), err)
	}
	if msgs[0].Key != "L1" || string(msgs[0].Payload) != `{"a":1}` {
		t.Errorf("first = %+v", msgs[0])
	}
	if err := db.MarkOutboxSent(msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementOutboxAttempts(msgs[1].ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.ListPendingOutbox(10)
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Errorf("pending after send = %+v", msgs)
	}
	n, err := db.CountPendingOutbox()
	if err != nil || n != 1 {
		t.Errorf("count = %d, %v", n, err)
	}
}

func TestAuditAndIncidents(t *testing.T) {
	db := testDB(t)
	if err := db.AppendAudit("locker", "L1", "transition", "available", "reserved", "system"); err != nil {
		t.Fatal(err)
	}
	entries, err := db.ListEntityAudit("locker", "L1", 10)
	if err != nil || len(entries) != 1 || entries[0].NewValue != "reserved" {
		t.Fatalf("audit = %+v, %v", entries, err)
	}

	inc := &Incident{IncidentType: IncidentFault, LockerID: "L1", Reason: "battery 4%", Actor: "device"}
	if err := db.CreateIncident(inc); err != nil {
		t.Fatal(err)
	}
	if inc.ID == 0 {
		t.Error("incident id not set")
	}
	incidents, err := db.ListLockerIncidents("L1", 10)
	if err != nil || len(incidents) != 1 || incidents[0].Reason != "battery 4%" {
		t.Errorf("incidents = %+v, %v", incidents, err)
	}
}
