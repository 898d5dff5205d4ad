package engine

import (
	"errors"

	"lockngo/command"
	"lockngo/locker"
	"lockngo/rental"
)

// rentalEmitter bridges the rental coordinator's emitter interface to the EventBus.
type rentalEmitter struct {
	bus *EventBus
}

func (e *rentalEmitter) EmitLockerAdded(l locker.Locker) {
	e.bus.Emit(Event{Type: EventLockerAdded, Payload: LockerAddedEvent{Locker: l}})
}

func (e *rentalEmitter) EmitTransition(tr rental.Transition) {
	e.bus.Emit(Event{Type: EventLockerTransition, Timestamp: tr.Locker.LastTransition, Payload: LockerTransitionEvent{
		Locker:  tr.Locker,
		From:    tr.From,
		Trigger: tr.Trigger.String(),
		Reason:  tr.Reason,
	}})
}

func (e *rentalEmitter) EmitRentalCreated(r *locker.Rental) {
	e.bus.Emit(Event{Type: EventRentalCreated, Payload: RentalEvent{Rental: *r}})
}

func (e *rentalEmitter) EmitRentalFinished(r *locker.Rental) {
	e.bus.Emit(Event{Type: EventRentalFinished, Payload: RentalEvent{Rental: *r}})
}

func (e *rentalEmitter) EmitRentRejected(lockerID, renterID string, err error) {
	e.bus.Emit(Event{Type: EventRentRejected, Payload: RentRejectedEvent{
		LockerID: lockerID,
		RenterID: renterID,
		Reason:   rejectReason(err),
		Err:      err,
	}})
}

func (e *rentalEmitter) EmitCommandResolved(res command.Resolution) {
	e.bus.Emit(Event{Type: EventCommandResolved, Payload: CommandResolvedEvent{
		CommandID: res.CommandID,
		LockerID:  res.LockerID,
		Kind:      string(res.Kind),
		Outcome:   res.Outcome.String(),
		Attempts:  res.Attempts,
		Version:   res.Version,
	}})
}

func (e *rentalEmitter) EmitAlert(a rental.Alert) {
	e.bus.Emit(Event{Type: EventAlert, Payload: AlertEvent{
		LockerID: a.LockerID,
		RentalID: a.RentalID,
		Trigger:  a.Trigger.String(),
		Reason:   a.Reason,
	}})
}

func (e *rentalEmitter) EmitLockdown(enabled bool) {
	e.bus.Emit(Event{Type: EventLockdownChanged, Payload: LockdownEvent{Enabled: enabled}})
}

// rejectReason is a short label for metrics and logs.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, rental.ErrLockerNotFound):
		return "not_found"
	case errors.Is(err, rental.ErrLockerOutOfService):
		return "out_of_service"
	case errors.Is(err, rental.ErrLockerUnavailable):
		return "unavailable"
	case errors.Is(err, rental.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, rental.ErrSystemLocked):
		return "lockdown"
	case errors.Is(err, rental.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
