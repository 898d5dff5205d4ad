package rental

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lockngo/command"
	"lockngo/locker"
	"lockngo/lockerstate"
)

// --- fakes ---

type memLockers struct {
	mu   sync.Mutex
	rows map[string]locker.Locker
}

func (m *memLockers) ListLockers(ctx context.Context) ([]locker.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []locker.Locker
	for _, l := range m.rows {
		out = append(out, l)
	}
	return out, nil
}

func (m *memLockers) CreateLocker(ctx context.Context, l locker.Locker) error {
	return m.SaveLocker(ctx, l)
}

func (m *memLockers) SaveLocker(ctx context.Context, l locker.Locker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[l.ID] = l
	return nil
}

func (m *memLockers) SetLockerBattery(ctx context.Context, id string, battery int) error {
	return nil
}

type memRentals struct {
	mu   sync.Mutex
	rows map[string]locker.Rental
}

func (m *memRentals) SaveRental(ctx context.Context, r *locker.Rental) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = *r
	return nil
}

func (m *memRentals) GetRental(ctx context.Context, id string) (*locker.Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, locker.ErrRentalNotFound
	}
	return &r, nil
}

func (m *memRentals) ListActiveRentals(ctx context.Context) ([]*locker.Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*locker.Rental
	for _, r := range m.rows {
		if !r.Terminal() {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

type hold struct {
	renter string
	amount int64
	status string
}

type memLedger struct {
	mu      sync.Mutex
	balance map[string]int64
	holds   map[string]*hold
	// onCommit runs before a charge is booked.
	onCommit func(id string)
}

func newMemLedger() *memLedger {
	return &memLedger{balance: make(map[string]int64), holds: make(map[string]*hold)}
}

func (m *memLedger) credit(renter string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance[renter] += amount
}

func (m *memLedger) Reserve(ctx context.Context, id, renter string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holds[id]; ok {
		return nil
	}
	var held int64
	for _, h := range m.holds {
		if h.renter == renter && h.status == "held" {
			held += h.amount
		}
	}
	if m.balance[renter]-held < amount {
		return locker.ErrInsufficientBalance
	}
	m.holds[id] = &hold{renter: renter, amount: amount, status: "held"}
	return nil
}

func (m *memLedger) Commit(ctx context.Context, id string) error {
	if m.onCommit != nil {
		m.onCommit(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return errors.New("no such reservation")
	}
	if h.status == "held" {
		h.status = "committed"
		m.balance[h.renter] -= h.amount
	}
	return nil
}

func (m *memLedger) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[id]; ok && h.status == "held" {
		h.status = "released"
	}
	return nil
}

func (m *memLedger) ReservationStatus(ctx context.Context, id string) (string, error) {
	if st := m.status(id); st != "" {
		return st, nil
	}
	return "", errors.New("no such reservation")
}

func (m *memLedger) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[id]; ok {
		return h.status
	}
	return ""
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holds)
}

type recordingLink struct {
	mu   sync.Mutex
	sent []command.Command
}

func (l *recordingLink) SendCommand(ctx context.Context, lockerID string, cmd command.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, cmd)
	return nil
}

func (l *recordingLink) count(kind command.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.sent {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

type recorder struct {
	nopEmitter
	mu          sync.Mutex
	transitions []Transition
	alerts      []Alert
}

func (r *recorder) EmitTransition(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) EmitAlert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *recorder) states(lockerID string) []locker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []locker.State
	for _, tr := range r.transitions {
		if tr.Locker.ID == lockerID {
			out = append(out, tr.Locker.State)
		}
	}
	return out
}

func (r *recorder) last(lockerID string) locker.State {
	states := r.states(lockerID)
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

// --- harness ---

type harness struct {
	coord   *Coordinator
	states  *lockerstate.Manager
	rentals *memRentals
	ledger  *memLedger
	link    *recordingLink
	tracker *command.Tracker
	events  *recorder
}

func quiet(string, ...any) {}

func newHarness(t *testing.T, seed ...locker.Locker) *harness {
	t.Helper()
	return newHarnessWith(t, nil, seed...)
}

func newHarnessWith(t *testing.T, tune func(*Config), seed ...locker.Locker) *harness {
	t.Helper()
	db := &memLockers{rows: make(map[string]locker.Locker)}
	for _, l := range seed {
		db.rows[l.ID] = l
	}
	h := &harness{
		states:  lockerstate.NewManager(db, nil),
		rentals: &memRentals{rows: make(map[string]locker.Rental)},
		ledger:  newMemLedger(),
		link:    &recordingLink{},
		events:  &recorder{},
	}
	if err := h.states.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.tracker = command.NewTracker(h.link, func(res command.Resolution) { h.coord.HandleResolution(res) }, quiet)
	cfg := Config{
		Unlock: command.Options{
			Timeout:     30 * time.Millisecond,
			Retries:     2,
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
		},
		ReleaseRetries:      1,
		LowBatteryThreshold: 10,
		LogFunc:             quiet,
	}
	if tune != nil {
		tune(&cfg)
	}
	h.coord = NewCoordinator(h.states, h.rentals, h.ledger, h.tracker, h.events, cfg)
	t.Cleanup(func() {
		h.tracker.Close()
		h.coord.Close()
	})
	return h
}

func (h *harness) addLocker(t *testing.T, id string) {
	t.Helper()
	if _, err := h.coord.AddLocker(context.Background(), id, "lobby", locker.SizeMedium); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) state(id string) locker.Locker {
	l, _ := h.states.Get(id)
	return l
}

// waitState waits until the locker is in want and the transition into it has
// finished running its effects.
func (h *harness) waitState(t *testing.T, id string, want locker.State) locker.Locker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l := h.state(id); l.State == want && h.events.last(id) == want {
			return l
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s: state = %s, want %s (history %v)", id, h.state(id).State, want, h.events.states(id))
	return locker.Locker{}
}

func (h *harness) waitBattery(t *testing.T, id string, want int) locker.Locker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l := h.state(id); l.Battery != nil && *l.Battery == want {
			return l
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s: battery never reached %d (locker %+v)", id, want, h.state(id))
	return locker.Locker{}
}

func (h *harness) rental(t *testing.T, id string) locker.Rental {
	t.Helper()
	r, err := h.rentals.GetRental(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return *r
}

func (h *harness) status(t *testing.T, lockerID, payload string) {
	t.Helper()
	if err := h.coord.HandleDeviceStatus(lockerID, []byte(payload)); err != nil {
		t.Fatalf("status %q: %v", payload, err)
	}
}

func (h *harness) rentAndUnlock(t *testing.T, lockerID, renter string, quote int64) string {
	t.Helper()
	h.ledger.credit(renter, quote)
	id, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: lockerID, RenterID: renter, Quote: quote})
	if err != nil {
		t.Fatalf("rent: %v", err)
	}
	h.waitState(t, lockerID, locker.StateAwaitingUnlockAck)
	h.status(t, lockerID, "OPENED")
	h.waitState(t, lockerID, locker.StateRented)
	return id
}

// --- tests ---

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.ledger.credit("u-1", 1000)

	id, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 300})
	if err != nil {
		t.Fatalf("rent: %v", err)
	}
	h.waitState(t, "L1", locker.StateAwaitingUnlockAck)
	if h.link.count(command.KindUnlock) != 1 {
		t.Fatalf("unlock commands = %d", h.link.count(command.KindUnlock))
	}
	h.status(t, "L1", "OPENED")
	l := h.waitState(t, "L1", locker.StateRented)
	if l.RentalID != id {
		t.Errorf("rental id on locker = %q, want %q", l.RentalID, id)
	}
	if r := h.rental(t, id); r.UnlockedAt == nil {
		t.Error("rental clock not started")
	}

	if err := h.coord.RequestRelease(context.Background(), id); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.waitState(t, "L1", locker.StateAwaitingReleaseAck)
	h.status(t, "L1", "CLOSED")
	l = h.waitState(t, "L1", locker.StateAvailable)
	if l.RentalID != "" {
		t.Errorf("locker still references rental %q", l.RentalID)
	}

	r := h.rental(t, id)
	if r.Outcome != locker.OutcomeCompleted || r.ReleasedAt == nil {
		t.Errorf("rental = %+v", r)
	}
	if got := h.ledger.status(r.ReservationID); got != "committed" {
		t.Errorf("reservation = %s, want committed", got)
	}
	got := h.events.states("L1")
	seq := []locker.State{locker.StateReserved, locker.StateAwaitingUnlockAck, locker.StateRented, locker.StateAwaitingReleaseAck, locker.StateAvailable}
	if fmt.Sprint(got) != fmt.Sprint(seq) {
		t.Errorf("transitions = %v, want %v", got, seq)
	}
	if l.Version != 6 {
		t.Errorf("version = %d, want 6", l.Version)
	}
}

func TestDoubleBookingOneWinner(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	const n = 20
	for i := 0; i < n; i++ {
		h.ledger.credit(fmt.Sprintf("u-%d", i), 100)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: fmt.Sprintf("u-%d", i), Quote: 100})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrLockerUnavailable):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d rentals succeeded, want 1", wins)
	}
	if h.ledger.count() != 1 {
		t.Errorf("%d reservations placed, want 1", h.ledger.count())
	}
}

func TestInsufficientBalanceLeavesLockerUntouched(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.ledger.credit("u-1", 50)
	_, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 100})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
	l := h.state("L1")
	if l.State != locker.StateAvailable || l.Version != 1 || l.RentalID != "" {
		t.Errorf("locker = %+v", l)
	}
	active, _ := h.rentals.ListActiveRentals(context.Background())
	if len(active) != 0 {
		t.Errorf("active rentals = %d", len(active))
	}
}

func TestUnknownLocker(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "nope", RenterID: "u-1", Quote: 1})
	if !errors.Is(err, ErrLockerNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestUnlockTimeoutRollsBack(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.ledger.credit("u-1", 100)
	id, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 100})
	if err != nil {
		t.Fatal(err)
	}
	h.waitState(t, "L1", locker.StateAwaitingUnlockAck)

	// Three unanswered attempts, then back to available.
	h.waitState(t, "L1", locker.StateAvailable)
	if got := h.link.count(command.KindUnlock); got != 3 {
		t.Errorf("unlock attempts = %d, want 3", got)
	}
	r := h.rental(t, id)
	if r.Outcome != locker.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", r.Outcome)
	}
	if got := h.ledger.status(r.ReservationID); got != "released" {
		t.Errorf("reservation = %s, want released", got)
	}
	seq := []locker.State{locker.StateReserved, locker.StateAwaitingUnlockAck, locker.StateFailed, locker.StateAvailable}
	if got := h.events.states("L1"); fmt.Sprint(got) != fmt.Sprint(seq) {
		t.Errorf("transitions = %v, want %v", got, seq)
	}

	// A late OPENED must not resurrect the rental.
	before := h.state("L1")
	h.status(t, "L1", "OPENED")
	time.Sleep(20 * time.Millisecond)
	after := h.state("L1")
	if after.State != locker.StateAvailable || after.Version != before.Version {
		t.Errorf("late ack changed locker: %+v", after)
	}
}

func TestDuplicateAckAppliedOnce(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.rentAndUnlock(t, "L1", "u-1", 10)
	v := h.state("L1").Version
	h.status(t, "L1", "OPENED")
	time.Sleep(20 * time.Millisecond)
	if got := h.state("L1"); got.Version != v || got.State != locker.StateRented {
		t.Errorf("duplicate ack changed locker: %+v", got)
	}
}

func TestStaleResolutionDiscarded(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.rentAndUnlock(t, "L1", "u-1", 10)
	cur := h.state("L1")
	h.coord.HandleResolution(command.Resolution{LockerID: "L1", Kind: command.KindLock, Version: cur.Version - 1, Outcome: command.Acked})
	time.Sleep(20 * time.Millisecond)
	if got := h.state("L1"); got.Version != cur.Version || got.State != locker.StateRented {
		t.Errorf("stale resolution applied: %+v", got)
	}
}

func TestReleaseRetryThenOutOfService(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	id := h.rentAndUnlock(t, "L1", "u-1", 40)

	if err := h.coord.RequestRelease(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.RequestRelease(context.Background(), id); err != nil {
		t.Fatalf("repeated release should be a no-op: %v", err)
	}
	l := h.waitState(t, "L1", locker.StateOutOfService)
	if got := h.link.count(command.KindLock); got != 2 {
		t.Errorf("lock attempts = %d, want 2", got)
	}
	seq := []locker.State{
		locker.StateReserved, locker.StateAwaitingUnlockAck, locker.StateRented,
		locker.StateAwaitingReleaseAck, locker.StateRented, locker.StateAwaitingReleaseAck,
		locker.StateOutOfService,
	}
	if got := h.events.states("L1"); fmt.Sprint(got) != fmt.Sprint(seq) {
		t.Errorf("transitions = %v, want %v", got, seq)
	}
	if l.RentalID != id || l.FaultReason == "" {
		t.Errorf("locker = %+v", l)
	}
	r := h.rental(t, id)
	if !r.NeedsReview || r.Terminal() {
		t.Errorf("rental = %+v, want flagged and active", r)
	}
	if h.events.alertCount() == 0 {
		t.Error("no alert raised")
	}

	if _, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-2", Quote: 0}); !errors.Is(err, ErrLockerOutOfService) {
		t.Errorf("rent on out-of-service locker err = %v", err)
	}

	if err := h.coord.ClearOutOfService(context.Background(), "L1", ResolveComplete, "door verified shut"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	l = h.waitState(t, "L1", locker.StateAvailable)
	if l.FaultReason != "" || l.RentalID != "" {
		t.Errorf("locker after clear = %+v", l)
	}
	r = h.rental(t, id)
	if r.Outcome != locker.OutcomeCompleted || r.NeedsReview {
		t.Errorf("rental after clear = %+v", r)
	}
	if got := h.ledger.status(r.ReservationID); got != "committed" {
		t.Errorf("reservation = %s, want committed", got)
	}
}

func TestDeviceFaultWhileRented(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	id := h.rentAndUnlock(t, "L1", "u-1", 10)
	h.status(t, "L1", "ERROR")
	h.waitState(t, "L1", locker.StateOutOfService)
	if r := h.rental(t, id); !r.NeedsReview {
		t.Error("rental not flagged")
	}

	if err := h.coord.ClearOutOfService(context.Background(), "L1", ResolveRefund, ""); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, "L1", locker.StateAvailable)
	r := h.rental(t, id)
	if r.Outcome != locker.OutcomeAborted {
		t.Errorf("outcome = %s, want aborted", r.Outcome)
	}
	if got := h.ledger.status(r.ReservationID); got != "released" {
		t.Errorf("reservation = %s, want released", got)
	}
}

func TestDeviceFaultDuringUnlockRollsBack(t *testing.T) {
	for _, payload := range []string{"ERROR", "OFFLINE"} {
		t.Run(payload, func(t *testing.T) {
			h := newHarness(t)
			h.addLocker(t, "L1")
			h.ledger.credit("u-1", 10)
			id, _ := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 10})
			h.waitState(t, "L1", locker.StateAwaitingUnlockAck)
			h.status(t, "L1", payload)
			l := h.waitState(t, "L1", locker.StateAvailable)
			if l.RentalID != "" || l.FaultReason != "" {
				t.Errorf("locker = %+v", l)
			}
			seq := []locker.State{locker.StateReserved, locker.StateAwaitingUnlockAck, locker.StateFailed, locker.StateAvailable}
			if got := h.events.states("L1"); fmt.Sprint(got) != fmt.Sprint(seq) {
				t.Errorf("transitions = %v, want %v", got, seq)
			}
			r := h.rental(t, id)
			if r.Outcome != locker.OutcomeFailed || h.ledger.status(r.ReservationID) != "released" {
				t.Errorf("rental = %+v, reservation %s", r, h.ledger.status(r.ReservationID))
			}
			if _, ok := h.tracker.Pending("L1"); ok {
				t.Error("unlock command still pending")
			}
		})
	}
}

func TestOperatorFaultDuringUnlockReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.ledger.credit("u-1", 10)
	id, _ := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 10})
	h.waitState(t, "L1", locker.StateAwaitingUnlockAck)
	if err := h.coord.ReportFault(context.Background(), "L1", "door jammed"); err != nil {
		t.Fatal(err)
	}
	l := h.waitState(t, "L1", locker.StateOutOfService)
	if l.RentalID != "" {
		t.Errorf("locker still holds rental %s", l.RentalID)
	}
	r := h.rental(t, id)
	if r.Outcome != locker.OutcomeFailed || h.ledger.status(r.ReservationID) != "released" {
		t.Errorf("rental = %+v, reservation %s", r, h.ledger.status(r.ReservationID))
	}
	if _, ok := h.tracker.Pending("L1"); ok {
		t.Error("unlock command still pending")
	}
}

func TestOperatorFaultAndLowBattery(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.addLocker(t, "L2")

	if err := h.coord.ReportFault(context.Background(), "L1", "door hinge broken"); err != nil {
		t.Fatal(err)
	}
	if l := h.state("L1"); l.State != locker.StateOutOfService || l.FaultReason != "door hinge broken" {
		t.Errorf("L1 = %+v", l)
	}
	if err := h.coord.ReportFault(context.Background(), "L1", "again"); !errors.Is(err, ErrLockerOutOfService) {
		t.Errorf("second fault err = %v", err)
	}

	h.status(t, "L2", "55")
	if l := h.waitBattery(t, "L2", 55); l.State != locker.StateAvailable {
		t.Errorf("L2 after telemetry = %+v", l)
	}
	h.status(t, "L2", "4")
	l := h.waitState(t, "L2", locker.StateOutOfService)
	if *l.Battery != 4 {
		t.Errorf("battery = %d", *l.Battery)
	}
}

func TestUnsolicitedStatusIgnored(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.status(t, "L1", "CLOSED")
	time.Sleep(10 * time.Millisecond)
	if l := h.state("L1"); l.State != locker.StateAvailable || l.Version != 1 {
		t.Errorf("locker = %+v", l)
	}
	if err := h.coord.HandleDeviceStatus("ghost", []byte("OPENED")); !errors.Is(err, ErrLockerNotFound) {
		t.Errorf("unknown locker err = %v", err)
	}
	if err := h.coord.HandleDeviceStatus("L1", []byte("GIBBERISH")); !errors.Is(err, command.ErrBadStatus) {
		t.Errorf("bad payload err = %v", err)
	}
}

func TestLockdownRejectsNewRentals(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.ledger.credit("u-1", 10)
	h.coord.SetLockdown(true)
	if _, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 10}); !errors.Is(err, ErrSystemLocked) {
		t.Errorf("err = %v", err)
	}
	h.coord.SetLockdown(false)
	if _, err := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 10}); err != nil {
		t.Errorf("rent after lockdown lifted: %v", err)
	}
}

func TestIdempotencyKeyReturnsSameRental(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	h.ledger.credit("u-1", 100)
	req := RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 10, IdempotencyKey: "k-1"}
	a, err := h.coord.RequestRental(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.coord.RequestRental(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("ids differ: %s vs %s", a, b)
	}
	if h.ledger.count() != 1 {
		t.Errorf("reservations = %d", h.ledger.count())
	}
}

func TestReleaseRejectedForInactiveRental(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	if err := h.coord.RequestRelease(context.Background(), "missing"); !errors.Is(err, ErrRentalNotFound) {
		t.Errorf("missing rental err = %v", err)
	}
	h.ledger.credit("u-1", 10)
	id, _ := h.coord.RequestRental(context.Background(), RentRequest{LockerID: "L1", RenterID: "u-1", Quote: 10})
	h.waitState(t, "L1", locker.StateAwaitingUnlockAck)
	if err := h.coord.RequestRelease(context.Background(), id); !errors.Is(err, ErrRentalNotActive) {
		t.Errorf("release before unlock err = %v", err)
	}
}

func TestRecoverAfterRestart(t *testing.T) {
	now := time.Now()
	h := newHarness(t,
		locker.Locker{ID: "A", State: locker.StateReserved, Version: 2, RentalID: "r-a", LastTransition: now},
		locker.Locker{ID: "B", State: locker.StateAwaitingReleaseAck, Version: 5, RentalID: "r-b", LastTransition: now},
		locker.Locker{ID: "C", State: locker.StateRented, Version: 3, RentalID: "r-c", LastTransition: now},
		locker.Locker{ID: "D", State: locker.StateAvailable, Version: 4, LastTransition: now},
	)
	ctx := context.Background()
	for _, r := range []locker.Rental{
		{ID: "r-a", LockerID: "A", RenterID: "u", ReservationID: "rsv-a", AmountReserved: 5, RequestedAt: now},
		{ID: "r-b", LockerID: "B", RenterID: "u", ReservationID: "rsv-b", AmountReserved: 5, RequestedAt: now},
		{ID: "r-c", LockerID: "C", RenterID: "u", ReservationID: "rsv-c", AmountReserved: 5, RequestedAt: now},
		{ID: "r-orphan", LockerID: "D", RenterID: "u", ReservationID: "rsv-o", AmountReserved: 5, RequestedAt: now},
	} {
		r := r
		h.rentals.SaveRental(ctx, &r)
	}
	h.ledger.credit("u", 100)
	for _, id := range []string{"rsv-a", "rsv-b", "rsv-c", "rsv-o"} {
		h.ledger.Reserve(ctx, id, "u", 5)
	}

	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if l := h.state("A"); l.State != locker.StateAvailable || l.RentalID != "" {
		t.Errorf("A = %+v", l)
	}
	if r := h.rental(t, "r-a"); r.Outcome != locker.OutcomeFailed || h.ledger.status("rsv-a") != "released" {
		t.Errorf("r-a = %+v", r)
	}
	if l := h.state("B"); l.State != locker.StateOutOfService || l.RentalID != "r-b" {
		t.Errorf("B = %+v", l)
	}
	if r := h.rental(t, "r-b"); !r.NeedsReview || r.Terminal() {
		t.Errorf("r-b = %+v", r)
	}
	if l := h.state("C"); l.State != locker.StateRented || l.Version != 3 {
		t.Errorf("C = %+v", l)
	}
	if r := h.rental(t, "r-orphan"); r.Outcome != locker.OutcomeFailed || h.ledger.status("rsv-o") != "released" {
		t.Errorf("orphan = %+v", r)
	}

	// The recovered rental on C can still be released.
	if err := h.coord.RequestRelease(ctx, "r-c"); err != nil {
		t.Fatalf("release recovered rental: %v", err)
	}
	h.waitState(t, "C", locker.StateAwaitingReleaseAck)
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	id := h.rentAndUnlock(t, "L1", "u-1", 1)
	h.coord.RequestRelease(context.Background(), id)
	h.waitState(t, "L1", locker.StateAwaitingReleaseAck)
	h.status(t, "L1", "CLOSED")
	h.waitState(t, "L1", locker.StateAvailable)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	var last int64 = 1
	for _, tr := range h.events.transitions {
		if tr.Locker.Version != last+1 {
			t.Errorf("version %d after %d", tr.Locker.Version, last)
		}
		last = tr.Locker.Version
	}
}

func TestRepeatedReleaseDoesNotResetRetryBudget(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.Unlock.BackoffBase = 300 * time.Millisecond
		cfg.Unlock.BackoffMax = 300 * time.Millisecond
	})
	h.addLocker(t, "L1")
	id := h.rentAndUnlock(t, "L1", "u-1", 40)

	if err := h.coord.RequestRelease(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	// First lock times out; the retry is scheduled far out, so the renter
	// presses release again before it fires.
	h.waitState(t, "L1", locker.StateAwaitingReleaseAck)
	deadline := time.Now().Add(2 * time.Second)
	for h.events.last("L1") != locker.StateRented || h.link.count(command.KindLock) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("lock never timed out (history %v)", h.events.states("L1"))
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := h.coord.RequestRelease(context.Background(), id); err != nil {
		t.Fatalf("release during retry wait: %v", err)
	}

	h.waitState(t, "L1", locker.StateOutOfService)
	time.Sleep(400 * time.Millisecond)
	if got := h.link.count(command.KindLock); got != 2 {
		t.Errorf("lock attempts = %d, want 2", got)
	}
	if l := h.state("L1"); l.State != locker.StateOutOfService {
		t.Errorf("locker = %+v", l)
	}
	if r := h.rental(t, id); !r.NeedsReview {
		t.Errorf("rental = %+v, want flagged", r)
	}
}

func TestStatusDeliveryDoesNotWaitOnBusyLane(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) { cfg.LaneBuffer = 1 })
	h.addLocker(t, "L1")
	ln := h.coord.lane("L1")

	gate := make(chan struct{})
	started := make(chan struct{})
	if err := h.coord.submit(context.Background(), ln, func(context.Context) {
		close(started)
		<-gate
	}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := h.coord.submit(context.Background(), ln, func(context.Context) {}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		h.coord.HandleDeviceStatus("L1", []byte("4"))
		h.coord.HandleResolution(command.Resolution{LockerID: "L1", Kind: command.KindUnlock, Version: 99, Outcome: command.Acked})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("status delivery blocked behind a busy lane")
	}

	close(gate)
	l := h.waitState(t, "L1", locker.StateOutOfService)
	if l.Battery == nil || *l.Battery != 4 {
		t.Errorf("locker = %+v", l)
	}
}

func TestChargeBookedBeforeLockerFreed(t *testing.T) {
	h := newHarness(t)
	h.addLocker(t, "L1")
	id := h.rentAndUnlock(t, "L1", "u-1", 25)

	var mu sync.Mutex
	var seen []locker.State
	h.ledger.onCommit = func(string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, h.state("L1").State)
	}
	if err := h.coord.RequestRelease(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, "L1", locker.StateAwaitingReleaseAck)
	h.status(t, "L1", "CLOSED")
	h.waitState(t, "L1", locker.StateAvailable)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != locker.StateAwaitingReleaseAck {
		t.Errorf("locker state at charge time = %v, want [awaiting_release_ack]", seen)
	}
}

func TestRecoverCompletesChargedRental(t *testing.T) {
	now := time.Now()
	// The locker was freed and the charge booked, but the process stopped
	// before the rental record was finalized.
	h := newHarness(t, locker.Locker{ID: "E", State: locker.StateAvailable, Version: 6, LastTransition: now})
	ctx := context.Background()
	unlocked := now.Add(-time.Hour)
	for _, r := range []locker.Rental{
		{ID: "r-done", LockerID: "E", RenterID: "u", ReservationID: "rsv-done", AmountReserved: 5, RequestedAt: now, UnlockedAt: &unlocked},
		{ID: "r-open", LockerID: "E", RenterID: "u", ReservationID: "rsv-open", AmountReserved: 5, RequestedAt: now},
	} {
		r := r
		h.rentals.SaveRental(ctx, &r)
	}
	h.ledger.credit("u", 100)
	h.ledger.Reserve(ctx, "rsv-done", "u", 5)
	h.ledger.Commit(ctx, "rsv-done")
	h.ledger.Reserve(ctx, "rsv-open", "u", 5)

	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := h.rental(t, "r-done")
	if done.Outcome != locker.OutcomeCompleted || done.ReleasedAt == nil {
		t.Errorf("charged rental = %+v", done)
	}
	if got := h.ledger.status("rsv-done"); got != "committed" {
		t.Errorf("charged reservation = %s, want committed", got)
	}
	open := h.rental(t, "r-open")
	if open.Outcome != locker.OutcomeFailed || h.ledger.status("rsv-open") != "released" {
		t.Errorf("uncharged rental = %+v, reservation %s", open, h.ledger.status("rsv-open"))
	}
}
