package rental

import (
	"lockngo/command"
	"lockngo/locker"
)

// Transition describes one committed state change.
type Transition struct {
	Locker  locker.Locker
	From    locker.State
	Trigger locker.Trigger
	Reason  string
}

// Alert asks an operator to look at a locker.
type Alert struct {
	LockerID string
	RentalID string
	Trigger  locker.Trigger
	Reason   string
}

// Emitter is the interface adapters must satisfy to bridge coordinator events
// to the engine. Calls are made from the locker's lane, in commit order.
type Emitter interface {
	EmitLockerAdded(l locker.Locker)
	EmitTransition(tr Transition)
	EmitRentalCreated(r *locker.Rental)
	EmitRentalFinished(r *locker.Rental)
	EmitRentRejected(lockerID, renterID string, err error)
	EmitCommandResolved(res command.Resolution)
	EmitAlert(a Alert)
	EmitLockdown(enabled bool)
}

type nopEmitter struct{}

func (nopEmitter) EmitLockerAdded(locker.Locker)          {}
func (nopEmitter) EmitTransition(Transition)              {}
func (nopEmitter) EmitRentalCreated(*locker.Rental)       {}
func (nopEmitter) EmitRentalFinished(*locker.Rental)      {}
func (nopEmitter) EmitRentRejected(string, string, error) {}
func (nopEmitter) EmitCommandResolved(command.Resolution) {}
func (nopEmitter) EmitAlert(Alert)                        {}
func (nopEmitter) EmitLockdown(bool)                      {}
