package locker

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal transition")

type Trigger int

const (
	TriggerRentAccepted Trigger = iota + 1
	TriggerCommandDispatched
	TriggerDispatchFailed
	TriggerUnlockAcked
	TriggerUnlockFailed
	TriggerRollbackComplete
	TriggerReleaseRequested
	TriggerReleaseAcked
	TriggerReleaseTimeout
	TriggerReleaseFailed
	TriggerFault
	TriggerRecover
	TriggerClearComplete
	TriggerClearRefund
)

var triggerNames = map[Trigger]string{
	TriggerRentAccepted:      "rent_accepted",
	TriggerCommandDispatched: "command_dispatched",
	TriggerDispatchFailed:    "dispatch_failed",
	TriggerUnlockAcked:       "unlock_acked",
	TriggerUnlockFailed:      "unlock_failed",
	TriggerRollbackComplete:  "rollback_complete",
	TriggerReleaseRequested:  "release_requested",
	TriggerReleaseAcked:      "release_acked",
	TriggerReleaseTimeout:    "release_timeout",
	TriggerReleaseFailed:     "release_failed",
	TriggerFault:             "fault",
	TriggerRecover:           "recover",
	TriggerClearComplete:     "clear_complete",
	TriggerClearRefund:       "clear_refund",
}

func (t Trigger) String() string {
	if s, ok := triggerNames[t]; ok {
		return s
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

type EffectKind int

const (
	EffectReserveBalance EffectKind = iota + 1
	EffectReleaseReservation
	EffectCommitCharge
	EffectSendUnlock
	EffectSendLock
	EffectStartRentalClock
	EffectFinalizeRental
	EffectFlagRental
	EffectRedispatchRelease
	EffectAlert
	EffectEmitEvent
)

// PreCommit reports whether the effect must succeed before the transition is
// committed. A failed pre-commit effect aborts the transition.
func (k EffectKind) PreCommit() bool {
	return k == EffectReserveBalance
}

type Effect struct {
	Kind EffectKind
	// Outcome is set for EffectFinalizeRental.
	Outcome Outcome
}

func finalize(o Outcome) Effect { return Effect{Kind: EffectFinalizeRental, Outcome: o} }

var (
	reserveBalance     = Effect{Kind: EffectReserveBalance}
	releaseReservation = Effect{Kind: EffectReleaseReservation}
	commitCharge       = Effect{Kind: EffectCommitCharge}
	sendUnlock         = Effect{Kind: EffectSendUnlock}
	sendLock           = Effect{Kind: EffectSendLock}
	startClock         = Effect{Kind: EffectStartRentalClock}
	flagRental         = Effect{Kind: EffectFlagRental}
	redispatchRelease  = Effect{Kind: EffectRedispatchRelease}
	alert              = Effect{Kind: EffectAlert}
	emitEvent          = Effect{Kind: EffectEmitEvent}
)

type edge struct {
	from    State
	trigger Trigger
}

type target struct {
	to      State
	effects []Effect
}

var transitions = map[edge]target{
	{StateAvailable, TriggerRentAccepted}:              {StateReserved, []Effect{reserveBalance, emitEvent}},
	{StateReserved, TriggerCommandDispatched}:          {StateAwaitingUnlockAck, []Effect{sendUnlock, emitEvent}},
	{StateReserved, TriggerDispatchFailed}:             {StateFailed, []Effect{releaseReservation, finalize(OutcomeFailed), emitEvent}},
	{StateAwaitingUnlockAck, TriggerUnlockAcked}:       {StateRented, []Effect{startClock, emitEvent}},
	{StateAwaitingUnlockAck, TriggerUnlockFailed}:      {StateFailed, []Effect{releaseReservation, finalize(OutcomeFailed), emitEvent}},
	{StateFailed, TriggerRollbackComplete}:             {StateAvailable, []Effect{emitEvent}},
	{StateRented, TriggerReleaseRequested}:             {StateAwaitingReleaseAck, []Effect{sendLock, emitEvent}},
	{StateAwaitingReleaseAck, TriggerReleaseAcked}:     {StateAvailable, []Effect{commitCharge, finalize(OutcomeCompleted), emitEvent}},
	{StateAwaitingReleaseAck, TriggerReleaseTimeout}:   {StateRented, []Effect{redispatchRelease, emitEvent}},
	{StateAwaitingReleaseAck, TriggerReleaseFailed}:    {StateOutOfService, []Effect{flagRental, alert, emitEvent}},
	{StateReserved, TriggerRecover}:                    {StateFailed, []Effect{releaseReservation, finalize(OutcomeFailed), emitEvent}},
	{StateAwaitingUnlockAck, TriggerRecover}:           {StateFailed, []Effect{releaseReservation, finalize(OutcomeFailed), emitEvent}},
	{StateFailed, TriggerRecover}:                      {StateAvailable, []Effect{releaseReservation, finalize(OutcomeFailed), emitEvent}},
	{StateAwaitingReleaseAck, TriggerRecover}:          {StateOutOfService, []Effect{flagRental, alert, emitEvent}},
	{StateOutOfService, TriggerClearComplete}:          {StateAvailable, []Effect{commitCharge, finalize(OutcomeCompleted), emitEvent}},
	{StateOutOfService, TriggerClearRefund}:            {StateAvailable, []Effect{releaseReservation, finalize(OutcomeAborted), emitEvent}},
}

// faultEffects depend on what the locker was doing when the fault arrived.
var faultEffects = map[State][]Effect{
	StateAvailable:          {alert, emitEvent},
	StateReserved:           {releaseReservation, finalize(OutcomeAborted), alert, emitEvent},
	StateAwaitingUnlockAck:  {releaseReservation, finalize(OutcomeFailed), alert, emitEvent},
	StateRented:             {flagRental, alert, emitEvent},
	StateAwaitingReleaseAck: {flagRental, alert, emitEvent},
	StateFailed:             {alert, emitEvent},
}

// Transition returns the next state and the effects the caller must execute
// for trigger t fired in state from. It has no side effects.
func Transition(from State, t Trigger) (State, []Effect, error) {
	if t == TriggerFault {
		effects, ok := faultEffects[from]
		if !ok {
			return from, nil, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, from)
		}
		return StateOutOfService, cloneEffects(effects), nil
	}
	tg, ok := transitions[edge{from, t}]
	if !ok {
		return from, nil, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, from)
	}
	return tg.to, cloneEffects(tg.effects), nil
}

func cloneEffects(in []Effect) []Effect {
	out := make([]Effect, len(in))
	copy(out, in)
	return out
}

// HasEffect reports whether effects contains an effect of kind k.
func HasEffect(effects []Effect, k EffectKind) bool {
	for _, e := range effects {
		if e.Kind == k {
			return true
		}
	}
	return false
}
