package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindUnlock Kind = "unlock"
	KindLock   Kind = "lock"
)

// Payload is the text published to the device for this kind.
func (k Kind) Payload() string {
	if k == KindUnlock {
		return "OPEN"
	}
	return "CLOSE"
}

// Ack is the status that confirms a command of this kind.
func (k Kind) Ack() StatusKind {
	if k == KindUnlock {
		return StatusOpened
	}
	return StatusClosed
}

// Command is what goes out over the device link.
type Command struct {
	ID       string
	LockerID string
	Kind     Kind
}

// Link delivers commands to locker controllers.
type Link interface {
	SendCommand(ctx context.Context, lockerID string, cmd Command) error
}

type Outcome int

const (
	Acked Outcome = iota
	TimedOut
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case TimedOut:
		return "timed_out"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Resolution is the single final result of a pending command.
type Resolution struct {
	CommandID string
	LockerID  string
	Kind      Kind
	Version   int64
	Outcome   Outcome
	Attempts  int
	Status    Status
}

type Options struct {
	Timeout     time.Duration
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultOptions matches the firmware's expected response window.
func DefaultOptions() Options {
	return Options{
		Timeout:     10 * time.Second,
		Retries:     2,
		BackoffBase: time.Second,
		BackoffMax:  8 * time.Second,
	}
}

// PendingCommand is a command awaiting acknowledgement.
type PendingCommand struct {
	ID       string    `json:"id"`
	LockerID string    `json:"locker_id"`
	Kind     Kind      `json:"kind"`
	Version  int64     `json:"version"`
	IssuedAt time.Time `json:"issued_at"`
	Deadline time.Time `json:"deadline"`
	Retries  int       `json:"retries"`
}

var (
	ErrCommandPending = errors.New("command already pending for locker")
	ErrTrackerClosed  = errors.New("command tracker closed")
)

type LogFunc func(format string, args ...any)

type pending struct {
	cmd   PendingCommand
	opts  Options
	timer *time.Timer
}

// Tracker owns the outstanding command of every locker. Each command is
// resolved exactly once: by its ack, by a device fault, or by running out of
// retries.
type Tracker struct {
	link    Link
	resolve func(Resolution)
	logFn   LogFunc

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// NewTracker creates a tracker. onResolve is called outside the tracker lock,
// once per command.
func NewTracker(link Link, onResolve func(Resolution), logFn LogFunc) *Tracker {
	if logFn == nil {
		logFn = log.Printf
	}
	return &Tracker{
		link:    link,
		resolve: onResolve,
		logFn:   logFn,
		pending: make(map[string]*pending),
	}
}

// Send publishes a command and starts its deadline. It returns as soon as the
// command is recorded. A publish failure is treated like a lost message.
func (t *Tracker) Send(ctx context.Context, lockerID string, kind Kind, version int64, opts Options) (PendingCommand, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	now := time.Now()
	pc := PendingCommand{
		ID:       uuid.NewString(),
		LockerID: lockerID,
		Kind:     kind,
		Version:  version,
		IssuedAt: now,
		Deadline: now.Add(opts.Timeout),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return PendingCommand{}, ErrTrackerClosed
	}
	if existing, ok := t.pending[lockerID]; ok {
		t.mu.Unlock()
		return PendingCommand{}, fmt.Errorf("%w: %s %s", ErrCommandPending, existing.cmd.Kind, existing.cmd.ID)
	}
	p := &pending{cmd: pc, opts: opts}
	t.pending[lockerID] = p
	p.timer = time.AfterFunc(opts.Timeout, func() { t.expire(lockerID, pc.ID) })
	t.mu.Unlock()

	t.publish(ctx, pc)
	return pc, nil
}

// HandleStatus matches a device status against the locker's pending command.
// It reports whether the status resolved a command. Statuses that match
// nothing are logged and left to the caller.
func (t *Tracker) HandleStatus(lockerID string, st Status) bool {
	t.mu.Lock()
	p, ok := t.pending[lockerID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if st.CommandID != "" && st.CommandID != p.cmd.ID {
		t.mu.Unlock()
		t.logFn("command: %s status %s for command %s does not match pending %s, discarded", lockerID, st.Kind, st.CommandID, p.cmd.ID)
		return false
	}
	var outcome Outcome
	switch {
	case st.IsFault():
		outcome = Faulted
	case st.Kind == p.cmd.Kind.Ack():
		outcome = Acked
	default:
		t.mu.Unlock()
		return false
	}
	t.finishLocked(lockerID, p)
	t.mu.Unlock()

	t.deliver(p, outcome, st)
	return true
}

// Pending returns the outstanding command for a locker.
func (t *Tracker) Pending(lockerID string) (PendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[lockerID]
	if !ok {
		return PendingCommand{}, false
	}
	return p.cmd, true
}

// List returns every outstanding command.
func (t *Tracker) List() []PendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingCommand, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, p.cmd)
	}
	return out
}

// Cancel drops the locker's pending command without resolving it.
func (t *Tracker) Cancel(lockerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[lockerID]
	if !ok {
		return false
	}
	t.finishLocked(lockerID, p)
	return true
}

// Close stops every timer. Pending commands are abandoned unresolved.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, p := range t.pending {
		t.finishLocked(id, p)
	}
}

func (t *Tracker) expire(lockerID, commandID string) {
	t.mu.Lock()
	p, ok := t.pending[lockerID]
	if !ok || p.cmd.ID != commandID {
		t.mu.Unlock()
		return
	}
	if p.cmd.Retries < p.opts.Retries {
		delay := Backoff(p.opts.BackoffBase, p.opts.BackoffMax, p.cmd.Retries)
		p.cmd.Retries++
		t.logFn("command: %s %s timed out, retry %d/%d in %s", lockerID, p.cmd.Kind, p.cmd.Retries, p.opts.Retries, delay)
		p.timer = time.AfterFunc(delay, func() { t.retransmit(lockerID, commandID) })
		t.mu.Unlock()
		return
	}
	t.finishLocked(lockerID, p)
	t.mu.Unlock()

	t.logFn("command: %s %s timed out after %d retries", lockerID, p.cmd.Kind, p.cmd.Retries)
	t.deliver(p, TimedOut, Status{})
}

func (t *Tracker) retransmit(lockerID, commandID string) {
	t.mu.Lock()
	p, ok := t.pending[lockerID]
	if !ok || p.cmd.ID != commandID {
		t.mu.Unlock()
		return
	}
	p.cmd.Deadline = time.Now().Add(p.opts.Timeout)
	p.timer = time.AfterFunc(p.opts.Timeout, func() { t.expire(lockerID, commandID) })
	cmd := p.cmd
	t.mu.Unlock()

	t.publish(context.Background(), cmd)
}

func (t *Tracker) publish(ctx context.Context, pc PendingCommand) {
	err := t.link.SendCommand(ctx, pc.LockerID, Command{ID: pc.ID, LockerID: pc.LockerID, Kind: pc.Kind})
	if err != nil {
		t.logFn("command: publish %s to %s: %v (awaiting deadline)", pc.Kind, pc.LockerID, err)
	}
}

func (t *Tracker) finishLocked(lockerID string, p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(t.pending, lockerID)
}

func (t *Tracker) deliver(p *pending, outcome Outcome, st Status) {
	if t.resolve == nil {
		return
	}
	t.resolve(Resolution{
		CommandID: p.cmd.ID,
		LockerID:  p.cmd.LockerID,
		Kind:      p.cmd.Kind,
		Version:   p.cmd.Version,
		Outcome:   outcome,
		Attempts:  p.cmd.Retries + 1,
		Status:    st,
	})
}
