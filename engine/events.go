package engine

import (
	"time"

	"lockngo/locker"
)

const (
	EventLockerAdded EventType = iota + 1
	EventLockerTransition
	EventRentalCreated
	EventRentalFinished
	EventRentRejected
	EventCommandResolved
	EventAlert
	EventLockdownChanged
	EventOutOfServiceCleared
	EventRedisConnected
	EventRedisDisconnected
	EventMessagingConnected
	EventMessagingDisconnected
)

var eventNames = map[EventType]string{
	EventLockerAdded:           "locker-added",
	EventLockerTransition:      "locker-transition",
	EventRentalCreated:         "rental-created",
	EventRentalFinished:        "rental-finished",
	EventRentRejected:          "rent-rejected",
	EventCommandResolved:       "command-resolved",
	EventAlert:                 "alert",
	EventLockdownChanged:       "lockdown",
	EventOutOfServiceCleared:   "out-of-service-cleared",
	EventRedisConnected:        "redis-connected",
	EventRedisDisconnected:     "redis-disconnected",
	EventMessagingConnected:    "messaging-connected",
	EventMessagingDisconnected: "messaging-disconnected",
}

// String is the event name used on the SSE stream.
func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// --- Event payloads ---

type LockerAddedEvent struct {
	Locker locker.Locker
}

type LockerTransitionEvent struct {
	Locker  locker.Locker
	From    locker.State
	Trigger string
	Reason  string
}

// RentalEvent carries a copy of the rental taken when the event fired.
type RentalEvent struct {
	Rental locker.Rental
}

type RentRejectedEvent struct {
	LockerID string
	RenterID string
	Reason   string
	Err      error `json:"-"`
}

type CommandResolvedEvent struct {
	CommandID string
	LockerID  string
	Kind      string
	Outcome   string
	Attempts  int
	Version   int64
}

type AlertEvent struct {
	LockerID string
	RentalID string
	Trigger  string
	Reason   string
}

type LockdownEvent struct {
	Enabled bool
}

type OutOfServiceClearedEvent struct {
	LockerID   string
	RentalID   string
	Resolution string
	Note       string
	Actor      string
}

type ConnectionEvent struct {
	Detail string
}

// transitionMessage is the external record of one committed transition.
type transitionMessage struct {
	Type      string       `json:"type"`
	StationID string       `json:"station_id"`
	Event     locker.Event `json:"event"`
	From      locker.State `json:"from"`
	Trigger   string       `json:"trigger"`
	SentAt    time.Time    `json:"emitted_at"`
}
