package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lockngo/command"
	"lockngo/locker"
)

// rent claims an available locker for req. created is false when an earlier
// request with the same idempotency key already holds the locker.
func (c *Coordinator) rent(ctx context.Context, ln *lane, req RentRequest) (id string, created bool, err error) {
	if c.lockdown.Load() {
		return "", false, ErrSystemLocked
	}
	cur, ok := c.states.Get(ln.id)
	if !ok {
		return "", false, ErrLockerNotFound
	}
	if r := ln.rental; r != nil && req.IdempotencyKey != "" &&
		r.IdempotencyKey == req.IdempotencyKey && r.RenterID == req.RenterID {
		return r.ID, false, nil
	}
	switch cur.State {
	case locker.StateAvailable:
	case locker.StateOutOfService:
		return "", false, ErrLockerOutOfService
	default:
		return "", false, ErrLockerUnavailable
	}

	id = uuid.NewString()
	ln.rental = &locker.Rental{
		ID:             id,
		LockerID:       ln.id,
		RenterID:       req.RenterID,
		Size:           cur.Size,
		AmountReserved: req.Quote,
		ReservationID:  "rsv-" + id,
		IdempotencyKey: req.IdempotencyKey,
		RequestedAt:    c.now(),
	}
	if _, err := c.fire(ctx, ln, locker.TriggerRentAccepted, "rent accepted"); err != nil {
		ln.rental = nil
		return "", false, err
	}
	c.emitter.EmitRentalCreated(ln.rental)
	return id, true, nil
}

func (c *Coordinator) dispatchUnlock(ctx context.Context, ln *lane) {
	_, err := c.fire(ctx, ln, locker.TriggerCommandDispatched, "unlock sent")
	if err == nil {
		return
	}
	if errors.Is(err, locker.ErrIllegalTransition) {
		c.logFn("rental: dispatch unlock to %s: %v", ln.id, err)
		return
	}
	c.logFn("rental: dispatch unlock to %s failed: %v", ln.id, err)
	if c.try(ctx, ln, locker.TriggerDispatchFailed, "dispatch failed: "+err.Error()) {
		c.try(ctx, ln, locker.TriggerRollbackComplete, "rollback complete")
	}
}

// resolve applies a command outcome. Outcomes tagged with a version other
// than the locker's current one belong to a superseded step and are dropped.
func (c *Coordinator) resolve(ctx context.Context, ln *lane, res command.Resolution) {
	cur, ok := c.states.Get(ln.id)
	if !ok {
		return
	}
	if cur.Version != res.Version {
		c.logFn("rental: stale %s %s for %s (issued at v%d, now v%d), discarded",
			res.Kind, res.Outcome, ln.id, res.Version, cur.Version)
		return
	}

	switch res.Kind {
	case command.KindUnlock:
		switch res.Outcome {
		case command.Acked:
			c.try(ctx, ln, locker.TriggerUnlockAcked, "unlock acknowledged")
		case command.TimedOut:
			reason := fmt.Sprintf("no unlock acknowledgement after %d attempts", res.Attempts)
			if c.try(ctx, ln, locker.TriggerUnlockFailed, reason) {
				c.try(ctx, ln, locker.TriggerRollbackComplete, "rollback complete")
			}
		case command.Faulted:
			reason := "device reported " + string(res.Status.Kind) + " during unlock"
			if c.try(ctx, ln, locker.TriggerUnlockFailed, reason) {
				c.try(ctx, ln, locker.TriggerRollbackComplete, "rollback complete")
			}
		}
	case command.KindLock:
		switch res.Outcome {
		case command.Acked:
			c.try(ctx, ln, locker.TriggerReleaseAcked, "lock acknowledged")
		case command.TimedOut:
			if ln.releaseAttempts < c.cfg.ReleaseRetries {
				ln.releaseAttempts++
				c.try(ctx, ln, locker.TriggerReleaseTimeout,
					fmt.Sprintf("no lock acknowledgement, retry %d/%d", ln.releaseAttempts, c.cfg.ReleaseRetries))
				return
			}
			c.try(ctx, ln, locker.TriggerReleaseFailed,
				fmt.Sprintf("no lock acknowledgement after %d attempts", ln.releaseAttempts+1))
		case command.Faulted:
			c.fault(ctx, ln, "device reported "+string(res.Status.Kind)+" during lock")
		}
	}
}

func (c *Coordinator) fault(ctx context.Context, ln *lane, reason string) error {
	cur, ok := c.states.Get(ln.id)
	if !ok {
		return ErrLockerNotFound
	}
	if cur.State == locker.StateOutOfService {
		c.logFn("rental: fault on %s ignored, already out of service: %s", ln.id, reason)
		return ErrLockerOutOfService
	}
	c.cmds.Cancel(ln.id)
	c.stopRetry(ln)
	_, err := c.fire(ctx, ln, locker.TriggerFault, reason)
	return err
}

// try fires t and logs a failure. It reports whether the transition
// committed.
func (c *Coordinator) try(ctx context.Context, ln *lane, t locker.Trigger, reason string) bool {
	if _, err := c.fire(ctx, ln, t, reason); err != nil {
		c.logFn("rental: %s on %s: %v", t, ln.id, err)
		return false
	}
	return true
}

// fire runs one state machine step: pre-commit effects, ledger settlement, the
// commit, then the remaining effects in table order. Settling first means a
// crash after the commit never leaves a finished rental with an open hold.
func (c *Coordinator) fire(ctx context.Context, ln *lane, t locker.Trigger, reason string) (locker.Locker, error) {
	cur, ok := c.states.Get(ln.id)
	if !ok {
		return cur, ErrLockerNotFound
	}
	to, effects, err := locker.Transition(cur.State, t)
	if err != nil {
		return cur, err
	}

	next := cur
	next.State = to
	next.Version = cur.Version + 1
	next.LastTransition = c.now()
	switch to {
	case locker.StateOutOfService:
		next.FaultReason = reason
	case locker.StateAvailable:
		next.FaultReason = ""
	}
	r := ln.rental
	if r == nil || locker.HasEffect(effects, locker.EffectFinalizeRental) {
		next.RentalID = ""
	} else {
		next.RentalID = r.ID
	}

	// Commands go out tagged with the version being committed so their
	// outcome can be matched against it later.
	strict := false
	var settleErr error
	for _, e := range effects {
		switch e.Kind {
		case locker.EffectCommitCharge, locker.EffectReleaseReservation:
			if err := c.settle(ctx, r, e.Kind); err != nil {
				settleErr = err
			}
		case locker.EffectReserveBalance:
			strict = true
			if err := c.reserve(ctx, r); err != nil {
				return cur, err
			}
		case locker.EffectSendUnlock:
			if _, err := c.cmds.Send(ctx, ln.id, command.KindUnlock, next.Version, c.cfg.Unlock); err != nil {
				return cur, err
			}
		case locker.EffectSendLock:
			if _, err := c.cmds.Send(ctx, ln.id, command.KindLock, next.Version, c.lockOptions()); err != nil {
				return cur, err
			}
		}
	}

	if err := c.states.Commit(ctx, next); err != nil {
		if strict {
			c.undoReserve(ctx, r)
			return cur, fmt.Errorf("commit %s: %w", ln.id, err)
		}
		c.logFn("rental: persist %s v%d failed, continuing in memory: %v", ln.id, next.Version, err)
		c.states.Apply(next)
	}

	tr := Transition{Locker: next, From: cur.State, Trigger: t, Reason: reason}
	for _, e := range effects {
		c.effect(ctx, ln, r, e, tr, settleErr)
	}
	return next, nil
}

// settle commits or releases the rental's hold.
func (c *Coordinator) settle(ctx context.Context, r *locker.Rental, kind locker.EffectKind) error {
	if r == nil {
		return nil
	}
	if kind == locker.EffectCommitCharge {
		if err := c.ledger.Commit(ctx, r.ReservationID); err != nil {
			c.logFn("rental: commit charge %s: %v", r.ReservationID, err)
			return fmt.Errorf("charge failed: %w", err)
		}
		return nil
	}
	if err := c.ledger.Release(ctx, r.ReservationID); err != nil {
		c.logFn("rental: release reservation %s: %v", r.ReservationID, err)
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

func (c *Coordinator) effect(ctx context.Context, ln *lane, r *locker.Rental, e locker.Effect, tr Transition, settleErr error) {
	ts := tr.Locker.LastTransition
	switch e.Kind {
	case locker.EffectStartRentalClock:
		if r != nil {
			r.UnlockedAt = &ts
			c.saveRental(ctx, r)
		}
	case locker.EffectFinalizeRental:
		if r != nil {
			r.Outcome = e.Outcome
			r.ReleasedAt = &ts
			if e.Outcome != locker.OutcomeCompleted || r.NeedsReview {
				r.Detail = tr.Reason
			}
			r.NeedsReview = false
			if settleErr != nil {
				r.NeedsReview = true
				r.Detail = settleErr.Error()
			}
			c.saveRental(ctx, r)
			c.emitter.EmitRentalFinished(r)
		}
		ln.rental = nil
		ln.releaseAttempts = 0
		c.stopRetry(ln)
	case locker.EffectFlagRental:
		if r != nil {
			r.NeedsReview = true
			r.Detail = tr.Reason
			c.saveRental(ctx, r)
		}
	case locker.EffectRedispatchRelease:
		if r != nil {
			c.scheduleRelease(ln, r.ID)
		}
	case locker.EffectAlert:
		a := Alert{LockerID: ln.id, Trigger: tr.Trigger, Reason: tr.Reason}
		if r != nil {
			a.RentalID = r.ID
		}
		c.emitter.EmitAlert(a)
	case locker.EffectEmitEvent:
		c.emitter.EmitTransition(tr)
	}
}

// reserve places the balance hold and records the rental. Both must succeed
// before the locker may leave available.
func (c *Coordinator) reserve(ctx context.Context, r *locker.Rental) error {
	if r == nil {
		return fmt.Errorf("%w: no rental to reserve for", ErrInvalidRequest)
	}
	if err := c.ledger.Reserve(ctx, r.ReservationID, r.RenterID, r.AmountReserved); err != nil {
		return fmt.Errorf("reserve %d for %s: %w", r.AmountReserved, r.RenterID, err)
	}
	if err := c.rentals.SaveRental(ctx, r); err != nil {
		if rerr := c.ledger.Release(ctx, r.ReservationID); rerr != nil {
			c.logFn("rental: release reservation %s after failed save: %v", r.ReservationID, rerr)
		}
		return fmt.Errorf("save rental %s: %w", r.ID, err)
	}
	return nil
}

func (c *Coordinator) undoReserve(ctx context.Context, r *locker.Rental) {
	if err := c.ledger.Release(ctx, r.ReservationID); err != nil {
		c.logFn("rental: release reservation %s after failed commit: %v", r.ReservationID, err)
	}
	ts := c.now()
	r.Outcome = locker.OutcomeFailed
	r.ReleasedAt = &ts
	r.Detail = "locker state commit failed"
	c.saveRental(ctx, r)
}

func (c *Coordinator) saveRental(ctx context.Context, r *locker.Rental) {
	if err := c.rentals.SaveRental(ctx, r); err != nil {
		c.logFn("rental: save rental %s: %v", r.ID, err)
	}
}

// lockOptions sends each lock command once; retries are driven by the
// workflow so every attempt is a visible transition.
func (c *Coordinator) lockOptions() command.Options {
	opts := c.cfg.Unlock
	opts.Retries = 0
	return opts
}

func (c *Coordinator) scheduleRelease(ln *lane, rentalID string) {
	c.stopRetry(ln)
	delay := command.Backoff(c.cfg.Unlock.BackoffBase, c.cfg.Unlock.BackoffMax, ln.releaseAttempts-1)
	ln.retryTimer = time.AfterFunc(delay, func() {
		err := c.submit(c.ctx, ln, func(ctx context.Context) {
			ln.retryTimer = nil
			if ln.rental == nil || ln.rental.ID != rentalID {
				return
			}
			if cur, _ := c.states.Get(ln.id); cur.State != locker.StateRented {
				return
			}
			c.try(ctx, ln, locker.TriggerReleaseRequested, fmt.Sprintf("release retry %d", ln.releaseAttempts))
		})
		if err != nil {
			c.logFn("rental: schedule release retry for %s: %v", ln.id, err)
		}
	})
}

func (c *Coordinator) stopRetry(ln *lane) {
	if ln.retryTimer != nil {
		ln.retryTimer.Stop()
		ln.retryTimer = nil
	}
}
