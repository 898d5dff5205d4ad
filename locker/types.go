package locker

import "time"

type State string

const (
	StateAvailable          State = "available"
	StateReserved           State = "reserved"
	StateAwaitingUnlockAck  State = "awaiting_unlock_ack"
	StateRented             State = "rented"
	StateAwaitingReleaseAck State = "awaiting_release_ack"
	StateOutOfService       State = "out_of_service"
	StateFailed             State = "failed"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateAvailable, StateReserved, StateAwaitingUnlockAck, StateRented,
		StateAwaitingReleaseAck, StateOutOfService, StateFailed:
		return true
	}
	return false
}

type Size string

const (
	SizeSmall  Size = "S"
	SizeMedium Size = "M"
	SizeLarge  Size = "L"
)

type Locker struct {
	ID             string    `json:"id"`
	Location       string    `json:"location"`
	Size           Size      `json:"size"`
	State          State     `json:"state"`
	Version        int64     `json:"version"`
	RentalID       string    `json:"rental_id,omitempty"`
	Battery        *int      `json:"battery,omitempty"`
	FaultReason    string    `json:"fault_reason,omitempty"`
	LastTransition time.Time `json:"last_transition"`
}

// Reservation statuses reported by the balance ledger.
const (
	ReservationHeld      = "held"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

type Outcome string

const (
	OutcomeActive    Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

type Rental struct {
	ID             string     `json:"id"`
	LockerID       string     `json:"locker_id"`
	RenterID       string     `json:"renter_id"`
	Size           Size       `json:"size"`
	AmountReserved int64      `json:"amount_reserved"`
	ReservationID  string     `json:"reservation_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	RequestedAt    time.Time  `json:"requested_at"`
	UnlockedAt     *time.Time `json:"unlocked_at,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	Outcome        Outcome    `json:"outcome"`
	NeedsReview    bool       `json:"needs_review"`
	Detail         string     `json:"detail,omitempty"`
}

// Terminal reports whether the rental has reached a final outcome.
func (r *Rental) Terminal() bool {
	return r.Outcome != OutcomeActive
}

// Event is one committed transition as seen by observers.
type Event struct {
	LockerID  string    `json:"locker_id"`
	State     State     `json:"state"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	RentalID  string    `json:"rental_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// EventOf builds the observer event for the locker's current committed state.
func EventOf(l Locker, reason string) Event {
	return Event{
		LockerID:  l.ID,
		State:     l.State,
		Version:   l.Version,
		Timestamp: l.LastTransition,
		RentalID:  l.RentalID,
		Reason:    reason,
	}
}
