package rental

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lockngo/command"
	"lockngo/locker"
)

// Errors returned to callers before any state changes.
var (
	ErrLockerNotFound      = locker.ErrLockerNotFound
	ErrLockerUnavailable   = locker.ErrLockerUnavailable
	ErrLockerOutOfService  = locker.ErrLockerOutOfService
	ErrInsufficientBalance = locker.ErrInsufficientBalance
	ErrSystemLocked        = locker.ErrSystemLocked
	ErrRentalNotFound      = locker.ErrRentalNotFound
	ErrRentalNotActive     = locker.ErrRentalNotActive

	ErrInvalidRequest = errors.New("invalid rental request")
	ErrClosed         = errors.New("coordinator closed")
)

// StateStore holds the committed state of every locker.
type StateStore interface {
	Get(id string) (locker.Locker, bool)
	Snapshot() []locker.Locker
	Add(ctx context.Context, l locker.Locker) error
	Commit(ctx context.Context, l locker.Locker) error
	Apply(l locker.Locker)
	SetBattery(ctx context.Context, id string, pct int) error
}

// Rentals persists rental records.
type Rentals interface {
	SaveRental(ctx context.Context, r *locker.Rental) error
	GetRental(ctx context.Context, id string) (*locker.Rental, error)
	ListActiveRentals(ctx context.Context) ([]*locker.Rental, error)
}

// Ledger places and settles balance holds. Every call is idempotent per
// reservation id.
type Ledger interface {
	Reserve(ctx context.Context, reservationID, renterID string, amount int64) error
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	// ReservationStatus reports held, committed or released.
	ReservationStatus(ctx context.Context, reservationID string) (string, error)
}

// Commander sends device commands and tracks their acknowledgement.
type Commander interface {
	Send(ctx context.Context, lockerID string, kind command.Kind, version int64, opts command.Options) (command.PendingCommand, error)
	HandleStatus(lockerID string, st command.Status) bool
	Cancel(lockerID string) bool
}

type LogFunc func(format string, args ...any)

type Config struct {
	// Unlock governs the unlock command. The tracker retries it internally.
	Unlock command.Options
	// ReleaseRetries is how many times a timed out lock command is resent
	// before the locker is taken out of service.
	ReleaseRetries      int
	LowBatteryThreshold int
	LaneBuffer          int
	LogFunc             LogFunc
}

type RentRequest struct {
	LockerID       string `json:"locker_id"`
	RenterID       string `json:"renter_id"`
	Quote          int64  `json:"quote"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Resolution is how an operator settles an out-of-service locker's rental.
type Resolution string

const (
	ResolveComplete Resolution = "complete"
	ResolveRefund   Resolution = "refund"
)

// Coordinator runs the rental workflow. Every trigger for a locker executes
// on that locker's lane, one at a time, so no two workflow steps for the same
// locker ever interleave.
type Coordinator struct {
	states  StateStore
	rentals Rentals
	ledger  Ledger
	cmds    Commander
	emitter Emitter
	cfg     Config
	logFn   LogFunc
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	lockdown atomic.Bool
}

// lane is the single worker for one locker. Fields other than id and jobs
// are only touched from the lane goroutine.
type lane struct {
	id   string
	jobs chan func(ctx context.Context)

	rental          *locker.Rental
	releaseAttempts int
	retryTimer      *time.Timer
}

func NewCoordinator(states StateStore, rentals Rentals, ledger Ledger, cmds Commander, emitter Emitter, cfg Config) *Coordinator {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if cfg.LogFunc == nil {
		cfg.LogFunc = log.Printf
	}
	if cfg.LaneBuffer < 1 {
		cfg.LaneBuffer = 32
	}
	if cfg.Unlock.Timeout <= 0 {
		cfg.Unlock = command.DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		states:  states,
		rentals: rentals,
		ledger:  ledger,
		cmds:    cmds,
		emitter: emitter,
		cfg:     cfg,
		logFn:   cfg.LogFunc,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
}

// Start opens a lane for every known locker and runs crash recovery.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, l := range c.states.Snapshot() {
		c.openLane(l.ID)
	}
	return c.Recover(ctx)
}

// Close stops every lane. Jobs still queued are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// AddLocker registers a new locker in the available state.
func (c *Coordinator) AddLocker(ctx context.Context, id, location string, size locker.Size) (locker.Locker, error) {
	if id == "" {
		return locker.Locker{}, fmt.Errorf("%w: locker id is required", ErrInvalidRequest)
	}
	if size == "" {
		size = locker.SizeMedium
	}
	l := locker.Locker{
		ID:             id,
		Location:       location,
		Size:           size,
		State:          locker.StateAvailable,
		Version:        1,
		LastTransition: c.now(),
	}
	if err := c.states.Add(ctx, l); err != nil {
		return locker.Locker{}, err
	}
	c.openLane(id)
	c.emitter.EmitLockerAdded(l)
	return l, nil
}

// RequestRental reserves the renter's quote and claims the locker. It returns
// once the locker is reserved; the unlock command follows on the lane.
func (c *Coordinator) RequestRental(ctx context.Context, req RentRequest) (string, error) {
	if req.RenterID == "" || req.Quote < 0 {
		return "", fmt.Errorf("%w: renter id and a non-negative quote are required", ErrInvalidRequest)
	}
	if c.lockdown.Load() {
		c.emitter.EmitRentRejected(req.LockerID, req.RenterID, ErrSystemLocked)
		return "", ErrSystemLocked
	}
	ln := c.lane(req.LockerID)
	if ln == nil {
		return "", ErrLockerNotFound
	}

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	err := c.submit(ctx, ln, func(ctx context.Context) {
		id, created, err := c.rent(ctx, ln, req)
		done <- result{id, err}
		if err != nil {
			c.emitter.EmitRentRejected(req.LockerID, req.RenterID, err)
			return
		}
		if created {
			c.dispatchUnlock(ctx, ln)
		}
	})
	if err != nil {
		return "", err
	}
	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.ctx.Done():
		return "", ErrClosed
	}
}

// RequestRelease asks the locker holding the rental to lock. Repeating the
// request while the lock command is outstanding is a no-op.
func (c *Coordinator) RequestRelease(ctx context.Context, rentalID string) error {
	r, err := c.rentals.GetRental(ctx, rentalID)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return ErrRentalNotActive
	}
	ln := c.lane(r.LockerID)
	if ln == nil {
		return ErrLockerNotFound
	}
	return c.await(ctx, ln, func(ctx context.Context) error {
		if ln.rental == nil || ln.rental.ID != rentalID {
			return ErrRentalNotActive
		}
		cur, _ := c.states.Get(ln.id)
		switch cur.State {
		case locker.StateAwaitingReleaseAck:
			return nil
		case locker.StateRented:
			// A request while a retry is scheduled runs that retry early. The
			// attempt count only resets when the rental is finalized.
			reason := "release requested"
			if ln.retryTimer != nil {
				reason = fmt.Sprintf("release retry %d requested", ln.releaseAttempts)
			}
			c.stopRetry(ln)
			_, err := c.fire(ctx, ln, locker.TriggerReleaseRequested, reason)
			return err
		default:
			return fmt.Errorf("%w: locker is %s", ErrRentalNotActive, cur.State)
		}
	})
}

// HandleDeviceStatus routes one status message from a locker controller.
func (c *Coordinator) HandleDeviceStatus(lockerID string, payload []byte) error {
	st, err := command.ParseStatus(payload)
	if err != nil {
		c.logFn("rental: status from %s: %v", lockerID, err)
		return err
	}
	ln := c.lane(lockerID)
	if ln == nil {
		c.logFn("rental: status %s from unknown locker %s", st.Kind, lockerID)
		return ErrLockerNotFound
	}

	matched := c.cmds.HandleStatus(lockerID, st)
	faulted := st.IsFault() && !matched
	if !matched && !faulted && st.Kind != command.StatusBattery {
		c.logFn("rental: unsolicited %s from %s discarded", st.Kind, lockerID)
	}
	if !faulted && !st.HasBattery {
		return nil
	}
	// Telemetry and faults touch the locker record, so they run on its lane.
	return c.enqueue(ln, func(ctx context.Context) {
		if st.HasBattery {
			if err := c.states.SetBattery(ctx, ln.id, st.Battery); err != nil {
				c.logFn("rental: battery for %s: %v", ln.id, err)
			}
		}
		switch {
		case faulted:
			c.fault(ctx, ln, "device reported "+string(st.Kind))
		case st.HasBattery && st.Battery < c.cfg.LowBatteryThreshold:
			c.fault(ctx, ln, fmt.Sprintf("battery at %d%%", st.Battery))
		}
	})
}

// HandleResolution feeds a command outcome back into the locker's workflow.
// It is the tracker's resolve callback.
func (c *Coordinator) HandleResolution(res command.Resolution) {
	ln := c.lane(res.LockerID)
	if ln == nil {
		return
	}
	err := c.enqueue(ln, func(ctx context.Context) {
		c.emitter.EmitCommandResolved(res)
		c.resolve(ctx, ln, res)
	})
	if err != nil {
		c.logFn("rental: drop %s resolution for %s: %v", res.Kind, res.LockerID, err)
	}
}

// ReportFault takes a locker out of service on an operator's report.
func (c *Coordinator) ReportFault(ctx context.Context, lockerID, reason string) error {
	ln := c.lane(lockerID)
	if ln == nil {
		return ErrLockerNotFound
	}
	return c.await(ctx, ln, func(ctx context.Context) error {
		return c.fault(ctx, ln, reason)
	})
}

// ClearOutOfService returns an out-of-service locker to service, settling any
// rental it still holds according to res.
func (c *Coordinator) ClearOutOfService(ctx context.Context, lockerID string, res Resolution, note string) error {
	var t locker.Trigger
	switch res {
	case ResolveComplete:
		t = locker.TriggerClearComplete
	case ResolveRefund:
		t = locker.TriggerClearRefund
	default:
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, res)
	}
	ln := c.lane(lockerID)
	if ln == nil {
		return ErrLockerNotFound
	}
	return c.await(ctx, ln, func(ctx context.Context) error {
		reason := "cleared: " + string(res)
		if note != "" {
			reason += ": " + note
		}
		_, err := c.fire(ctx, ln, t, reason)
		return err
	})
}

// SetLockdown enables or disables the emergency stop. While enabled, new
// rentals are refused; running rentals continue.
func (c *Coordinator) SetLockdown(enabled bool) {
	if c.lockdown.Swap(enabled) != enabled {
		c.logFn("rental: lockdown %v", enabled)
		c.emitter.EmitLockdown(enabled)
	}
}

func (c *Coordinator) Lockdown() bool {
	return c.lockdown.Load()
}

func (c *Coordinator) GetSnapshot() []locker.Locker {
	return c.states.Snapshot()
}

func (c *Coordinator) GetLocker(id string) (locker.Locker, error) {
	l, ok := c.states.Get(id)
	if !ok {
		return l, ErrLockerNotFound
	}
	return l, nil
}

func (c *Coordinator) GetRental(ctx context.Context, id string) (*locker.Rental, error) {
	return c.rentals.GetRental(ctx, id)
}

// Recover reconciles lockers left mid-workflow by a previous process.
// Lockers that were claiming or unlocking roll back to available; a locker
// that was locking is taken out of service with its rental flagged, since its
// physical state is unknown.
func (c *Coordinator) Recover(ctx context.Context) error {
	active, err := c.rentals.ListActiveRentals(ctx)
	if err != nil {
		return fmt.Errorf("recover: list active rentals: %w", err)
	}
	byLocker := make(map[string][]*locker.Rental)
	for _, r := range active {
		byLocker[r.LockerID] = append(byLocker[r.LockerID], r)
	}

	for _, l := range c.states.Snapshot() {
		ln := c.lane(l.ID)
		if ln == nil {
			continue
		}
		rentals := byLocker[l.ID]
		delete(byLocker, l.ID)
		err := c.await(ctx, ln, func(ctx context.Context) error {
			return c.recoverLocker(ctx, ln, rentals)
		})
		if err != nil {
			return fmt.Errorf("recover %s: %w", l.ID, err)
		}
	}

	for lockerID, rentals := range byLocker {
		for _, r := range rentals {
			c.logFn("rental: recover: rental %s references unknown locker %s", r.ID, lockerID)
			c.abandon(ctx, r, "locker no longer registered")
		}
	}
	return nil
}

func (c *Coordinator) recoverLocker(ctx context.Context, ln *lane, rentals []*locker.Rental) error {
	cur, _ := c.states.Get(ln.id)
	for _, r := range rentals {
		if r.ID == cur.RentalID && ln.rental == nil {
			ln.rental = r
			continue
		}
		c.logFn("rental: recover: rental %s is not held by locker %s", r.ID, ln.id)
		c.abandon(ctx, r, "not held by locker after restart")
	}

	switch cur.State {
	case locker.StateReserved, locker.StateAwaitingUnlockAck:
		c.logFn("rental: recover: %s was %s, rolling back", ln.id, cur.State)
		if _, err := c.fire(ctx, ln, locker.TriggerRecover, "recovered after restart"); err != nil {
			return err
		}
		_, err := c.fire(ctx, ln, locker.TriggerRollbackComplete, "rollback complete")
		return err
	case locker.StateFailed:
		c.logFn("rental: recover: %s was failed, rolling back", ln.id)
		_, err := c.fire(ctx, ln, locker.TriggerRecover, "recovered after restart")
		return err
	case locker.StateAwaitingReleaseAck:
		c.logFn("rental: recover: %s was locking, taking out of service", ln.id)
		_, err := c.fire(ctx, ln, locker.TriggerRecover, "lock state unknown after restart")
		return err
	}
	return nil
}

// abandon closes a rental no locker holds. A rental whose charge already went
// through was finished before the restart and is recorded as completed; any
// other rental fails and its hold is returned.
func (c *Coordinator) abandon(ctx context.Context, r *locker.Rental, detail string) {
	status, err := c.ledger.ReservationStatus(ctx, r.ReservationID)
	if err != nil {
		c.logFn("rental: reservation %s: %v", r.ReservationID, err)
	}
	ts := c.now()
	r.ReleasedAt = &ts
	if status == locker.ReservationCommitted {
		r.Outcome = locker.OutcomeCompleted
		r.Detail = detail + ", charge already settled"
	} else {
		if err := c.ledger.Release(ctx, r.ReservationID); err != nil {
			c.logFn("rental: release reservation %s: %v", r.ReservationID, err)
		}
		r.Outcome = locker.OutcomeFailed
		r.Detail = detail
	}
	if err := c.rentals.SaveRental(ctx, r); err != nil {
		c.logFn("rental: save abandoned rental %s: %v", r.ID, err)
		return
	}
	c.emitter.EmitRentalFinished(r)
}

// --- lane plumbing ---

func (c *Coordinator) openLane(id string) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ln, ok := c.lanes[id]; ok {
		return ln
	}
	ln := &lane{id: id, jobs: make(chan func(context.Context), c.cfg.LaneBuffer)}
	c.lanes[id] = ln
	if c.closed {
		return ln
	}
	c.wg.Add(1)
	go c.run(ln)
	return ln
}

func (c *Coordinator) lane(id string) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lanes[id]
}

func (c *Coordinator) run(ln *lane) {
	defer c.wg.Done()
	for {
		select {
		case job := <-ln.jobs:
			job(c.ctx)
		case <-c.ctx.Done():
			c.stopRetry(ln)
			return
		}
	}
}

func (c *Coordinator) submit(ctx context.Context, ln *lane, job func(context.Context)) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case ln.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// enqueue hands job to the lane without blocking the caller, which may be a
// broker callback shared by every locker. A full lane gets the job from a
// separate goroutine.
func (c *Coordinator) enqueue(ln *lane, job func(context.Context)) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case ln.jobs <- job:
		return nil
	default:
	}
	c.logFn("rental: lane %s backed up, queueing in background", ln.id)
	go func() {
		if err := c.submit(c.ctx, ln, job); err != nil {
			c.logFn("rental: drop job for %s: %v", ln.id, err)
		}
	}()
	return nil
}

// await runs fn on the lane and waits for its result.
func (c *Coordinator) await(ctx context.Context, ln *lane, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if err := c.submit(ctx, ln, func(ctx context.Context) { done <- fn(ctx) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}
